package store

import (
	"database/sql"
	"errors"
	"time"
)

// DismissAlert records a dismissal for an alert category.
func (db *DB) DismissAlert(category string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO alert_dismissals (category, dismissed_at) VALUES (?, ?)
		ON CONFLICT(category) DO UPDATE SET dismissed_at = excluded.dismissed_at`,
		category, now)
	return err
}

// IsAlertDismissed reports whether a dismissal is recorded for the category.
func (db *DB) IsAlertDismissed(category string) (bool, error) {
	var at int64
	err := db.QueryRow(`SELECT dismissed_at FROM alert_dismissals WHERE category = ?`, category).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearAlertDismissal removes any recorded dismissal for the category.
func (db *DB) ClearAlertDismissal(category string) error {
	_, err := db.Exec(`DELETE FROM alert_dismissals WHERE category = ?`, category)
	return err
}
