package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimdrag/internal/audit"
	"aimdrag/internal/domain"
	"aimdrag/internal/engine"
	"aimdrag/internal/events"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Sink   *audit.MemorySink
	Chain  *audit.Chain
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	sink := audit.NewMemorySink()
	chain, err := audit.Open(context.Background(), sink, audit.Options{})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := events.NewWriter(logger, nil)
	if err != nil {
		t.Fatalf("events writer: %v", err)
	}
	handler, err := New(Config{
		Gate:     engine.New(chain, w),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Sink:   sink,
		Chain:  chain,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			chain.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func token(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func admissionBody(trace, mode string) map[string]any {
	return map[string]any{
		"trace_id": trace,
		"actor":    map[string]any{"name": "Jane Doe", "role": "Sustainability Analyst"},
		"input": map[string]any{
			"sources": []map[string]any{{"kind": "dataset", "description": "2025 supplier emissions"}},
		},
		"mission": map[string]any{
			"objective":        "Compare supplier emission trends",
			"success_criteria": []string{"covers all tier-1 suppliers"},
		},
		"mode":          mode,
		"workflow_name": "summarize",
	}
}

func outcomeBody(trace, outcome, text string) map[string]any {
	return map[string]any{
		"trace_id":    trace,
		"outcome":     outcome,
		"output_text": text,
		"duration_ms": 120,
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Chain)
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("t-1", "research"), nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/modes", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
	assert.Equal(t, 0, srv.Sink.Len())
}

func TestModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/modes", nil, token(t, "auditor-1", "auditor"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var modes []ModeResponse
	require.NoError(t, json.Unmarshal(data, &modes))
	require.Len(t, modes, 4)
	for _, m := range modes {
		switch m.Mode {
		case domain.ModeDraft, domain.ModeResearch:
			assert.False(t, m.AllowsSideEffects)
			assert.True(t, m.RequiresLanguageFilter)
		default:
			assert.True(t, m.AllowsSideEffects)
			assert.False(t, m.RequiresLanguageFilter)
		}
	}
}

func TestAdmitRecordVerify(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	svc := token(t, "svc-1", "service")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("t-1", "RESEARCH"), svc)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var adm AdmissionResponse
	require.NoError(t, json.Unmarshal(data, &adm))
	assert.True(t, adm.Admitted)
	assert.Equal(t, "t-1", adm.TraceID)
	assert.Equal(t, uint64(0), adm.Sequence)
	assert.Len(t, adm.IntegrityHash, 64)
	assert.True(t, adm.Permissions.RequiresLanguageFilter)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes",
		outcomeBody("t-1", "success", "Option A lowers cost; option B lowers risk."), svc)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out OutcomeResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Recorded)
	assert.Equal(t, domain.OutcomeSuccess, out.Outcome)
	assert.Equal(t, uint64(1), out.Sequence)

	auditor := token(t, "auditor-1", "auditor")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify", nil, auditor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var v audit.Verification
	require.NoError(t, json.Unmarshal(data, &v))
	assert.True(t, v.OK)
	assert.Equal(t, uint64(2), v.Records)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/records?trace_id=t-1", nil, auditor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page recordsPage
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "svc-1", page.Items[0].Caller)
	assert.Equal(t, page.Items[0].IntegrityHash, page.Items[1].PrevHash)
	require.NotNil(t, page.Items[1].DurationMS)
	assert.Equal(t, int64(120), *page.Items[1].DurationMS)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/tail", nil, auditor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tail TailResponse
	require.NoError(t, json.Unmarshal(data, &tail))
	assert.Equal(t, uint64(2), tail.Records)
	assert.Equal(t, out.IntegrityHash, tail.Hash)
}

func TestSideEffectsRejectedInResearch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := admissionBody("t-2", "research")
	body["workflow_name"] = "send_email"
	body["side_effects"] = true
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admissions", body, token(t, "svc-1", "service"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	e := decodeError(t, data)
	assert.Equal(t, "policy_violation", e.Code)
	assert.Equal(t, "t-2", e.Details["trace_id"])
	assert.Equal(t, "rejected", e.Details["outcome"])
	assert.NotEmpty(t, e.Details["integrity_hash"])
	assert.Equal(t, 1, srv.Sink.Len())
}

func TestEmptySourcesRejectedAndAudited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := admissionBody("t-3", "execute")
	body["input"] = map[string]any{"sources": []any{}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admissions", body, token(t, "svc-1", "service"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	e := decodeError(t, data)
	assert.Equal(t, "validation_failed", e.Code)
	assert.NotEmpty(t, e.Details["violations"])

	recs, err := srv.Chain.Records(context.Background(), audit.Filter{TraceID: "t-3"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeRejected, recs[0].Outcome)
}

func TestMalformedRequestIsNotAudited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := admissionBody("t-4", "draft")
	delete(body, "mission")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admissions", body, token(t, "svc-1", "service"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Code)
	assert.Equal(t, 0, srv.Sink.Len())
}

func TestPrescriptiveOutputRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	svc := token(t, "svc-1", "service")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("t-5", "research"), svc)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", outcomeBody("t-5", "success", "The best option is X."), svc)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	e := decodeError(t, data)
	assert.Equal(t, "policy_violation", e.Code)
	assert.Equal(t, "rejected", e.Details["outcome"])
	assert.NotEmpty(t, e.Details["violations"])

	recs, err := srv.Chain.Records(context.Background(), audit.Filter{TraceID: "t-5"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.OutcomeRejected, recs[1].Outcome)
	assert.Contains(t, recs[1].Violations, "the best option is")
}

func TestOutcomeErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	svc := token(t, "svc-1", "service")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", outcomeBody("ghost", "success", ""), svc)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "unknown_trace", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("t-6", "grunt"), svc)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", outcomeBody("t-6", "failure", "timeout"), svc)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", outcomeBody("t-6", "success", ""), svc)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "already_recorded", decodeError(t, data).Code)
}

func TestPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("t-7", "draft"), token(t, "auditor-1", "auditor"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	e := decodeError(t, data)
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "admissions.create", e.Details["permission"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify", nil, token(t, "svc-1", "service"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, 0, srv.Sink.Len())
}

func TestCorruptedChainBlocksAdmissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	svc := token(t, "svc-1", "service")
	auditor := token(t, "auditor-1", "auditor")

	for _, trace := range []string{"a", "b"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody(trace, "draft"), svc)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}
	line := bytes.Replace(srv.Sink.Line(1), []byte(`"admitted"`), []byte(`"rejected"`), 1)
	srv.Sink.Overwrite(1, line)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify", nil, auditor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var v audit.Verification
	require.NoError(t, json.Unmarshal(data, &v))
	assert.False(t, v.OK)
	require.NotNil(t, v.BrokenAt)
	assert.Equal(t, uint64(1), *v.BrokenAt)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admissions", admissionBody("c", "draft"), svc)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
	assert.Equal(t, "chain_corrupted", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "corrupted", h.Chain)
}
