package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/queue"
)

type fakeExecutor struct {
	lastReq ledger.Request
	payload []byte
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, req ledger.Request) ([]byte, error) {
	f.lastReq = req
	return f.payload, f.err
}

type fakeQueue struct {
	enqueued  *ledger.Request
	job       *queue.Job
	statusErr error
	stats     queue.Stats
	cleared   int
	clearErr  error
}

func (f *fakeQueue) Enqueue(_ context.Context, req ledger.Request) (*queue.Job, error) {
	f.enqueued = &req
	return f.job, nil
}

func (f *fakeQueue) Status(_ context.Context, _ string) (*queue.Job, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.job, nil
}

func (f *fakeQueue) Stats(_ context.Context) queue.Stats { return f.stats }

func (f *fakeQueue) ClearFailed(_ context.Context) (int, error) { return f.cleared, f.clearErr }

type fakeResolver struct {
	current json.RawMessage
	err     error
	key     string
}

func (f *fakeResolver) UpdateWithRetry(_ context.Context, _ string, key string, update ledger.UpdateFunc) (*ledger.VersionedRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = key
	next, err := update(f.current)
	if err != nil {
		return nil, err
	}
	return &ledger.VersionedRecord{Key: key, Version: 2, Data: next}, nil
}

func newTestHandler(exec Executor, q JobQueue, resolver RecordUpdater) *Handler {
	svc := NewService(exec, q, resolver, zerolog.Nop())
	return NewHandler(svc, zerolog.Nop())
}

// do runs an authenticated request through the handler, with the identity
// resolved the way the dev auth middleware does it.
func do(t *testing.T, handler echo.HandlerFunc, method, target, body string, params map[string]string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range params {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	err := auth.DevAuthMiddleware()(handler)(c)
	return rec, err
}

func TestSubmitTransaction_Sync(t *testing.T) {
	exec := &fakeExecutor{payload: []byte(`{"recordId":"rec-1"}`)}
	h := newTestHandler(exec, &fakeQueue{}, &fakeResolver{})

	rec, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions",
		`{"function":"CreateRecord","args":["rec-1","alice"]}`, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if exec.lastReq.Identity != "admin" {
		t.Fatalf("expected identity from auth context, got %q", exec.lastReq.Identity)
	}
	if exec.lastReq.Kind != ledger.KindSubmit {
		t.Fatalf("expected default kind submit, got %q", exec.lastReq.Kind)
	}

	var body struct {
		Result map[string]string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result["recordId"] != "rec-1" {
		t.Fatalf("unexpected result %v", body.Result)
	}
}

func TestSubmitTransaction_NonJSONPayload(t *testing.T) {
	exec := &fakeExecutor{payload: []byte("plain text receipt")}
	h := newTestHandler(exec, &fakeQueue{}, &fakeResolver{})

	rec, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions",
		`{"function":"GetReceipt","kind":"query"}`, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var body struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result != "plain text receipt" {
		t.Fatalf("unexpected result %q", body.Result)
	}
	if exec.lastReq.Kind != ledger.KindQuery {
		t.Fatalf("expected query kind, got %q", exec.lastReq.Kind)
	}
}

func TestSubmitTransaction_Async(t *testing.T) {
	q := &fakeQueue{job: &queue.Job{ID: "job-1", Status: queue.StatusQueued}}
	h := newTestHandler(&fakeExecutor{}, q, &fakeResolver{})

	rec, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions",
		`{"function":"CreateRecord","args":["rec-1"],"async":true}`, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if q.enqueued == nil || q.enqueued.Function != "CreateRecord" {
		t.Fatalf("expected request enqueued, got %+v", q.enqueued)
	}

	var body enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.JobID != "job-1" || body.Status != queue.StatusQueued {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestSubmitTransaction_Validation(t *testing.T) {
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, &fakeResolver{})

	cases := []struct {
		name string
		body string
	}{
		{"missing function", `{"args":["a"]}`},
		{"unknown kind", `{"function":"F","kind":"evaluate"}`},
		{"private without transient", `{"function":"F","kind":"submit-private"}`},
	}
	for _, tc := range cases {
		_, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions", tc.body, nil)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 HTTPError, got %v", tc.name, err)
		}
	}
}

func TestSubmitTransaction_PrivateCarriesTransient(t *testing.T) {
	exec := &fakeExecutor{payload: []byte(`{}`)}
	h := newTestHandler(exec, &fakeQueue{}, &fakeResolver{})

	_, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions",
		`{"function":"StoreConsent","kind":"submit-private","transient":{"consent":"signed"}}`, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(exec.lastReq.Transient["consent"]) != "signed" {
		t.Fatalf("transient not forwarded: %+v", exec.lastReq.Transient)
	}
}

func TestSubmitTransaction_ClassifiedErrorPropagates(t *testing.T) {
	exec := &fakeExecutor{err: &ledger.Error{Class: ledger.ClassTimeout, Err: errors.New("deadline exceeded")}}
	h := newTestHandler(exec, &fakeQueue{}, &fakeResolver{})

	_, err := do(t, h.SubmitTransaction, http.MethodPost, "/transactions",
		`{"function":"CreateRecord"}`, nil)
	if ledger.ClassOf(err) != ledger.ClassTimeout {
		t.Fatalf("expected TIMEOUT class to propagate, got %v", err)
	}
}

func TestSubmitTransaction_NoIdentity(t *testing.T) {
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, &fakeResolver{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{"function":"F"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.SubmitTransaction(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestGetJob(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{job: &queue.Job{
		ID:           "job-9",
		Status:       queue.StatusFailed,
		Function:     "CreateRecord",
		Attempts:     3,
		MaxAttempts:  3,
		FailedReason: "TIMEOUT: deadline exceeded",
		CreatedAt:    created,
	}}
	h := newTestHandler(&fakeExecutor{}, q, &fakeResolver{})

	rec, err := do(t, h.GetJob, http.MethodGet, "/jobs/job-9", "", map[string]string{"jobId": "job-9"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var body jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.JobID != "job-9" || body.Status != queue.StatusFailed || body.Attempts != 3 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.FailedReason == "" {
		t.Fatal("expected failed reason in response")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	q := &fakeQueue{statusErr: queue.ErrNotFound}
	h := newTestHandler(&fakeExecutor{}, q, &fakeResolver{})

	_, err := do(t, h.GetJob, http.MethodGet, "/jobs/nope", "", map[string]string{"jobId": "nope"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestGetQueueStats_DegradedStillOK(t *testing.T) {
	q := &fakeQueue{stats: queue.Stats{Error: "store unreachable"}}
	h := newTestHandler(&fakeExecutor{}, q, &fakeResolver{})

	rec, err := do(t, h.GetQueueStats, http.MethodGet, "/queue/stats", "", nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite store failure, got %d", rec.Code)
	}

	var body queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "store unreachable" {
		t.Fatalf("expected degraded stats error, got %+v", body)
	}
}

func TestClearFailedJobs(t *testing.T) {
	q := &fakeQueue{cleared: 4}
	h := newTestHandler(&fakeExecutor{}, q, &fakeResolver{})

	rec, err := do(t, h.ClearFailedJobs, http.MethodDelete, "/queue/failed", "", nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var body clearFailedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Cleared != 4 {
		t.Fatalf("expected 4 cleared, got %d", body.Cleared)
	}
}

func TestUpdateRecord_ShallowMerge(t *testing.T) {
	resolver := &fakeResolver{current: json.RawMessage(`{"status":"draft","owner":"alice","notes":"x"}`)}
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, resolver)

	rec, err := do(t, h.UpdateRecord, http.MethodPut, "/records/rec-1",
		`{"status":"final","notes":null}`, map[string]string{"key": "rec-1"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if resolver.key != "rec-1" {
		t.Fatalf("expected key rec-1, got %q", resolver.key)
	}

	var body ledger.VersionedRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != 2 {
		t.Fatalf("expected version 2, got %d", body.Version)
	}

	var doc map[string]any
	if err := json.Unmarshal(body.Data, &doc); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if doc["status"] != "final" || doc["owner"] != "alice" {
		t.Fatalf("merge lost fields: %v", doc)
	}
	if _, ok := doc["notes"]; ok {
		t.Fatalf("null field should be removed: %v", doc)
	}
}

func TestUpdateRecord_NullStoredDocument(t *testing.T) {
	// A resolver may hand back the literal null document for a record that
	// does not exist yet. The merge must treat it as empty, not blow up.
	resolver := &fakeResolver{current: json.RawMessage(`null`)}
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, resolver)

	rec, err := do(t, h.UpdateRecord, http.MethodPut, "/records/rec-new",
		`{"status":"draft"}`, map[string]string{"key": "rec-new"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body ledger.VersionedRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body.Data, &doc); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if doc["status"] != "draft" || len(doc) != 1 {
		t.Fatalf("expected patch-only document, got %v", doc)
	}
}

func TestUpdateRecord_NonObjectPatch(t *testing.T) {
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, &fakeResolver{})

	_, err := do(t, h.UpdateRecord, http.MethodPut, "/records/rec-1",
		`["not","an","object"]`, map[string]string{"key": "rec-1"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestUpdateRecord_ConflictPropagates(t *testing.T) {
	resolver := &fakeResolver{err: &ledger.Error{Class: ledger.ClassConcurrencyConflict, Err: errors.New("version changed")}}
	h := newTestHandler(&fakeExecutor{}, &fakeQueue{}, resolver)

	_, err := do(t, h.UpdateRecord, http.MethodPut, "/records/rec-1",
		`{"status":"final"}`, map[string]string{"key": "rec-1"})
	if ledger.ClassOf(err) != ledger.ClassConcurrencyConflict {
		t.Fatalf("expected CONCURRENCY_CONFLICT to propagate, got %v", err)
	}
}
