package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/skiffapp/skiff/internal/schema"
)

// HTTPAdapter talks to a remote CRUD API over HTTP/JSON.
//
// Wire layout:
//
//	GET  {base}/tables/{table}?owner={owner}   -> [Record]
//	POST {base}/tables/{table}/{operation}     -> Record (applied copy)
//
// Status mapping to the failure taxonomy:
//
//	404                -> ErrNotFound
//	409 + current body -> *ConflictError
//	408, 429, 5xx      -> ErrTransient (alongside transport errors)
//	other 4xx          -> ErrPermanent
type HTTPAdapter struct {
	base   string
	client *http.Client
}

// NewHTTPAdapter creates an adapter against the given base URL. If
// client is nil, a client with a 15 second timeout is used; timeouts on
// remote calls are the adapter's responsibility.
func NewHTTPAdapter(base string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAdapter{base: base, client: client}
}

// FetchAll implements Adapter.
func (a *HTTPAdapter) FetchAll(ctx context.Context, owner string, table schema.Table) ([]*schema.Record, error) {
	u := fmt.Sprintf("%s/tables/%s", a.base, url.PathEscape(string(table)))
	if owner != "" {
		u += "?owner=" + url.QueryEscape(owner)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var records []*schema.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	return records, nil
}

// Apply implements Adapter.
func (a *HTTPAdapter) Apply(ctx context.Context, table schema.Table, op schema.Operation, payload *schema.Record) (*schema.Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	u := fmt.Sprintf("%s/tables/%s/%s", a.base, url.PathEscape(string(table)), url.PathEscape(string(op)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var applied schema.Record
	if err := json.NewDecoder(resp.Body).Decode(&applied); err != nil {
		return nil, fmt.Errorf("failed to decode apply response: %w", err)
	}
	return &applied, nil
}

// classifyStatus maps an HTTP response to the failure taxonomy. The
// body is consumed only for conflict responses.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case resp.StatusCode == http.StatusConflict:
		var current schema.Record
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			// A conflict without the current record cannot drive
			// last-write-wins; surface it as permanent so it is parked
			// for manual resolution rather than retried forever.
			return fmt.Errorf("%w: conflict response carried no record", ErrPermanent)
		}
		return &ConflictError{Current: &current}

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: remote returned %s", ErrTransient, resp.Status)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: remote returned %s: %s", ErrPermanent, resp.Status, bytes.TrimSpace(body))
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
