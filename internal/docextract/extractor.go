// Package docextract pulls structured invoice fields out of uploaded PDFs by
// calling a hosted extraction model. Stateless; each call is one shot.
package docextract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// LineItem is one invoice row.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Amount      float64 `json:"amount"`
}

// Invoice holds the fields the model extracted.
type Invoice struct {
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoiceNumber"`
	IssueDate     string     `json:"issueDate"`
	DueDate       string     `json:"dueDate,omitempty"`
	Currency      string     `json:"currency"`
	Total         float64    `json:"total"`
	LineItems     []LineItem `json:"lineItems,omitempty"`
}

// Extractor calls the extraction endpoint.
type Extractor struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

// NewExtractor creates an extractor. A nil httpClient uses the default.
func NewExtractor(httpClient *http.Client, endpoint, apiKey, model string) *Extractor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Extractor{httpClient: httpClient, endpoint: endpoint, apiKey: apiKey, model: model}
}

type extractRequest struct {
	Model    string `json:"model"`
	Schema   string `json:"schema"`
	Document string `json:"document"`
}

type extractResponse struct {
	Invoice *Invoice `json:"invoice"`
	Error   string   `json:"error,omitempty"`
}

// Extract sends one document to the model and returns the parsed invoice.
func (e *Extractor) Extract(ctx context.Context, pdf []byte) (*Invoice, error) {
	body, err := json.Marshal(extractRequest{
		Model:    e.model,
		Schema:   "invoice",
		Document: base64.StdEncoding.EncodeToString(pdf),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction endpoint status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("extraction failed: %s", out.Error)
	}
	if out.Invoice == nil {
		return nil, fmt.Errorf("extraction response carried no invoice")
	}
	return out.Invoice, nil
}
