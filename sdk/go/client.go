package artledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal artledger node API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Timeout covers a whole create
// round trip, which waits for the counterparty and the notary.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 2 * time.Minute,
	}
}

type Party struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// Identity is the node's own party.
type Identity struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// Record is a committed art sale. Price is a decimal string.
type Record struct {
	LinearID    string    `json:"linear_id"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Seller      Party     `json:"seller"`
	Buyer       Party     `json:"buyer"`
	Contract    string    `json:"contract"`
}

type CreateRecordRequest struct {
	Buyer       string     `json:"buyer"`
	Title       string     `json:"title,omitempty"`
	Price       string     `json:"price"`
	Description string     `json:"description,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

type CreateRecordResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
	TxHash  string `json:"tx_hash"`
	Record  Record `json:"record"`
}

type Run struct {
	RunID          string    `json:"run_id"`
	Role           string    `json:"role"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Counterparties []string  `json:"counterparties,omitempty"`
	TxHash         string    `json:"tx_hash,omitempty"`
	Signers        []string  `json:"signers,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RecordQuery filters Records.
type RecordQuery struct {
	Seller string
	Buyer  string
	Limit  int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) Peers(ctx context.Context) ([]Party, error) {
	var resp struct {
		Peers []Party `json:"peers"`
	}
	err := c.do(ctx, http.MethodGet, "peers", nil, &resp)
	return resp.Peers, err
}

// Records lists committed records in the node's vault, newest first.
func (c *Client) Records(ctx context.Context, q RecordQuery) ([]Record, error) {
	v := url.Values{}
	if q.Seller != "" {
		v.Set("seller", q.Seller)
	}
	if q.Buyer != "" {
		v.Set("buyer", q.Buyer)
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, withQuery("records", v), nil, &resp)
	return resp, err
}

// MyRecords lists the records the node sold.
func (c *Client) MyRecords(ctx context.Context, limit int) ([]Record, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, withQuery("records/mine", v), nil, &resp)
	return resp, err
}

// CreateRecord blocks until the run is terminal. A rejected or aborted run
// comes back as an *APIError whose Message is the reason.
func (c *Client) CreateRecord(ctx context.Context, req CreateRecordRequest) (CreateRecordResponse, error) {
	var resp CreateRecordResponse
	err := c.do(ctx, http.MethodPost, "records", req, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, "runs", nil, &resp)
	return resp, err
}

// Events returns one page of recent events, optionally of one type.
func (c *Client) Events(ctx context.Context, limit int, cursor, evtType string) (PaginatedEvents, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	if evtType != "" {
		v.Set("type", evtType)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(p string, v url.Values) string {
	if len(v) == 0 {
		return p
	}
	return p + "?" + v.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
