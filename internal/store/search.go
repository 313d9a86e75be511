package store

import "strings"

// SearchMessages finds messages whose body contains the query string.
// conversationID narrows the search when non-empty.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"

	sqlQuery := `
		SELECT id, conversation_id, msg_id, body, content_kind, attachment_ref, from_me, status, sequence, timestamp, updated_at
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if conversationID != "" {
		sqlQuery += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	sqlQuery += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{
			Message: m,
			Snippet: snippet(m.Body, query),
		})
	}
	return results, nil
}

// snippet returns a short window of body around the first match of query.
func snippet(body, query string) string {
	const window = 40
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 {
		if len(body) > 2*window {
			return body[:2*window] + "…"
		}
		return body
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window
	if end > len(body) {
		end = len(body)
	}
	s := body[start:end]
	if start > 0 {
		s = "…" + s
	}
	if end < len(body) {
		s += "…"
	}
	return s
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
