package aimdragsdk

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
)

// Client is a minimal AIM-DRAG HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Actor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

type InputSource struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type Input struct {
	Sources     []InputSource `json:"sources"`
	Constraints []string      `json:"constraints,omitempty"`
}

type Mission struct {
	Objective       string   `json:"objective"`
	SuccessCriteria []string `json:"success_criteria"`
}

// AdmitRequest asks the gate to run WorkflowName under Mode. TraceID is
// generated by the server when empty.
type AdmitRequest struct {
	TraceID      string         `json:"trace_id,omitempty"`
	Actor        Actor          `json:"actor"`
	Input        Input          `json:"input"`
	Mission      Mission        `json:"mission"`
	Mode         string         `json:"mode"`
	WorkflowName string         `json:"workflow_name"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	SideEffects  bool           `json:"side_effects,omitempty"`
}

type Permissions struct {
	AllowsSideEffects      bool `json:"allows_side_effects"`
	RequiresLanguageFilter bool `json:"requires_language_filter"`
}

type Admission struct {
	Admitted      bool        `json:"admitted"`
	Reason        string      `json:"reason,omitempty"`
	TraceID       string      `json:"trace_id"`
	Sequence      uint64      `json:"sequence"`
	IntegrityHash string      `json:"integrity_hash"`
	Permissions   Permissions `json:"permissions"`
}

type RecordRequest struct {
	TraceID      string         `json:"trace_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Outcome      string         `json:"outcome"`
	OutputText   string         `json:"output_text,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

type LanguageViolation struct {
	Phrase   string `json:"phrase"`
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type Recording struct {
	Recorded      bool                `json:"recorded"`
	TraceID       string              `json:"trace_id"`
	Outcome       string              `json:"outcome"`
	Sequence      uint64              `json:"sequence"`
	IntegrityHash string              `json:"integrity_hash"`
	Violations    []LanguageViolation `json:"violations,omitempty"`
}

type Verification struct {
	OK       bool    `json:"ok"`
	BrokenAt *uint64 `json:"broken_at_sequence,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Records  uint64  `json:"records"`
	Tail     string  `json:"tail"`
}

// Record is one audit chain entry as served by the API.
type Record struct {
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	TraceID       string         `json:"trace_id"`
	Caller        string         `json:"caller,omitempty"`
	Declaration   map[string]any `json:"declaration"`
	Mode          string         `json:"mode"`
	WorkflowName  string         `json:"workflow_name"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Outcome       string         `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	Violations    []string       `json:"violations,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	IntegrityHash string         `json:"integrity_hash"`
}

// APIError is a non-2xx response. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Rejected reports whether the gate refused the request and audited the
// refusal.
func (e *APIError) Rejected() bool {
	return e.Code == "validation_failed" || e.Code == "policy_violation"
}

// Admit requests admission. A rejection is returned as *APIError with
// Rejected() true.
func (c *Client) Admit(ctx context.Context, req AdmitRequest) (Admission, error) {
	var out Admission
	err := c.do(ctx, http.MethodPost, "v0/admissions", req, &out)
	return out, err
}

// Record reports the outcome of an admitted trace.
func (c *Client) Record(ctx context.Context, req RecordRequest) (Recording, error) {
	var out Recording
	err := c.do(ctx, http.MethodPost, "v0/outcomes", req, &out)
	return out, err
}

// Verify asks the server to replay its audit chain.
func (c *Client) Verify(ctx context.Context) (Verification, error) {
	var out Verification
	err := c.do(ctx, http.MethodGet, "v0/audit/verify", nil, &out)
	return out, err
}

// Records lists audit records for a trace, oldest first.
func (c *Client) Records(ctx context.Context, traceID string, limit int) ([]Record, error) {
	q := url.Values{}
	if traceID != "" {
		q.Set("trace_id", traceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "v0/audit/records"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
