package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"integrityspine/pkg/httpx"
)

// HTTPLedger talks to a ledger gateway:
//
//	POST {base}/v1/transactions        -> {"tx_ref": "..."}
//	GET  {base}/v1/transactions/{ref}  -> {"status": "pending|confirmed|failed"}
type HTTPLedger struct {
	BaseURL    string
	Client     *http.Client
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPLedger(baseURL string, client *http.Client) *HTTPLedger {
	return &HTTPLedger{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     client,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (l *HTTPLedger) SubmitTransaction(ctx context.Context, payload []byte) (string, error) {
	status, body, err := httpx.RequestJSON(ctx, l.Client, http.MethodPost, l.BaseURL+"/v1/transactions", payload, l.Headers, l.Retries, l.RetryDelay)
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", fmt.Errorf("ledger submit: status %d: %s", status, truncate(body))
	}
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ledger submit: decode: %w", err)
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("ledger submit: empty tx_ref")
	}
	return out.TxRef, nil
}

func (l *HTTPLedger) GetStatus(ctx context.Context, txRef string) (string, error) {
	status, body, err := httpx.RequestJSON(ctx, l.Client, http.MethodGet, l.BaseURL+"/v1/transactions/"+url.PathEscape(txRef), nil, l.Headers, l.Retries, l.RetryDelay)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return LedgerPending, nil
	}
	if status/100 != 2 {
		return "", fmt.Errorf("ledger status: status %d: %s", status, truncate(body))
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ledger status: decode: %w", err)
	}
	switch out.Status {
	case LedgerPending, LedgerConfirmed, LedgerFailed:
		return out.Status, nil
	default:
		return "", fmt.Errorf("ledger status: unknown status %q", out.Status)
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
