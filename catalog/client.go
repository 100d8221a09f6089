// Package catalog talks to the sample sharing API: listing recent samples of a
// file type and downloading individual payloads.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fuzzycollector/config"
	"fuzzycollector/version"

	"github.com/h2non/filetype"
	"golang.org/x/time/rate"
)

const statusOK = "ok"

// Entry is one catalog row. Only the fields the pipeline uses are decoded;
// the full response is kept in FileTypeResponse.Raw.
type Entry struct {
	SHA256    string `json:"sha256_hash"`
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	FirstSeen string `json:"first_seen"`
	Signature string `json:"signature"`
}

type FileTypeResponse struct {
	QueryStatus string
	Data        []Entry
	Raw         []byte
}

// TransportError reports a failed API call for a single request.
type TransportError struct {
	Op          string
	StatusCode  int
	QueryStatus string
	Err         error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.QueryStatus != "" {
		fmt.Fprintf(&b, ": query status %q", e.QueryStatus)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	limiter    *rate.Limiter
	maxPayload int64
}

func NewClient(cfg *config.Config) *Client {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		url:        cfg.APIURL,
		apiKey:     cfg.APIKey,
		limiter:    limiter,
		maxPayload: cfg.MaxPayloadSize,
	}
}

func (c *Client) post(ctx context.Context, op string, form url.Values) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Auth-Key", c.apiKey)
	req.Header.Set("User-Agent", "fuzzycollector/"+version.Version)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status after %s: %s", time.Since(start).Round(time.Millisecond), resp.Status)}
	}
	return resp, nil
}

// QueryFileType lists up to limit recent samples tagged with fileType.
// Any query status other than "ok" is returned as a TransportError.
func (c *Client) QueryFileType(ctx context.Context, fileType string, limit int) (*FileTypeResponse, error) {
	const op = "get_file_type"
	form := url.Values{
		"query":     {op},
		"file_type": {fileType},
		"limit":     {strconv.Itoa(limit)},
	}
	resp, err := c.post(ctx, op, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPayload))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var envelope struct {
		QueryStatus string          `json:"query_status"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if envelope.QueryStatus != statusOK {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, QueryStatus: envelope.QueryStatus}
	}

	out := &FileTypeResponse{QueryStatus: envelope.QueryStatus, Raw: raw}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, &out.Data); err != nil {
			return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, QueryStatus: envelope.QueryStatus, Err: fmt.Errorf("malformed data: %w", err)}
		}
	}
	return out, nil
}

// FetchFile downloads the payload for one sample. The API answers unknown
// hashes with a JSON status document and HTTP 200; that case is reported as
// a TransportError carrying the query status.
func (c *Client) FetchFile(ctx context.Context, sha256 string) ([]byte, error) {
	const op = "get_file"
	form := url.Values{
		"query":       {op},
		"sha256_hash": {sha256},
	}
	resp, err := c.post(ctx, op, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPayload+1))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(payload)) > c.maxPayload {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("payload exceeds %d bytes", c.maxPayload)}
	}
	if len(payload) == 0 {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("empty payload")}
	}
	if status, ok := statusDocument(payload); ok {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, QueryStatus: status}
	}
	return payload, nil
}

// statusDocument detects a JSON {"query_status": ...} body in place of a payload.
func statusDocument(payload []byte) (string, bool) {
	head := payload
	if len(head) > 261 {
		head = head[:261]
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return "", false
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var doc struct {
		QueryStatus string `json:"query_status"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil || doc.QueryStatus == "" {
		return "", false
	}
	return doc.QueryStatus, true
}
