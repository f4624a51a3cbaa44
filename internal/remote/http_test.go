package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	return NewHTTPClient(cfg)
}

func TestListBuildsScopedRequest(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotPath, gotScope, gotSince string

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotScope = r.URL.Query().Get("episode_id")
		gotSince = r.URL.Query().Get("since")
		fmt.Fprint(w, `{"records":[{"id":"p1"},{"id":"p2"}]}`)
	}))

	recs, err := client.List(context.Background(), "progress", Scope{Col: "episode_id", Key: "ep1"}, since)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
	if gotPath != "/v1/progress" {
		t.Errorf("path = %s", gotPath)
	}
	if gotScope != "ep1" {
		t.Errorf("scope query = %q", gotScope)
	}
	if gotSince != since.Format(time.RFC3339Nano) {
		t.Errorf("since = %q", gotSince)
	}
}

func TestListOmitsEmptyParams(t *testing.T) {
	var gotQuery string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"records":[]}`)
	}))

	if _, err := client.List(context.Background(), "profiles", Scope{}, time.Time{}); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("query = %q, want empty", gotQuery)
	}
}

func TestUpsertBatchRoundTrip(t *testing.T) {
	var gotBody []byte
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/progress/batch" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"results":[{"id":"p1"},{"id":"p2","error":"stale"}]}`)
	}))

	records := []json.RawMessage{
		json.RawMessage(`{"id":"p1"}`),
		json.RawMessage(`{"id":"p2"}`),
	}
	results, err := client.UpsertBatch(context.Background(), "progress", records)
	if err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if !results[0].OK() || results[1].OK() {
		t.Errorf("results = %+v", results)
	}

	var req struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil || len(req.Records) != 2 {
		t.Errorf("request body = %s", gotBody)
	}
}

func TestUpsertBatchResultCountMismatch(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"id":"p1"}]}`)
	}))

	_, err := client.UpsertBatch(context.Background(), "progress",
		[]json.RawMessage{json.RawMessage(`{"id":"p1"}`), json.RawMessage(`{"id":"p2"}`)})
	if err == nil {
		t.Error("expected error for mismatched result count")
	}
}

func TestBearerToken(t *testing.T) {
	var gotAuth string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"records":[]}`)
	}))
	client.cfg.Token = func(ctx context.Context) (string, error) { return "secret-token", nil }

	if _, err := client.List(context.Background(), "progress", Scope{}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"records":[{"id":"p1"}]}`)
	}))

	recs, err := client.List(context.Background(), "progress", Scope{}, time.Time{})
	if err != nil {
		t.Fatalf("List failed after retries: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records", len(recs))
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestRetriesExhaustedReturnNetworkError(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.List(context.Background(), "progress", Scope{}, time.Time{})
	if !IsNetwork(err) {
		t.Errorf("err = %v, want NetworkError", err)
	}
	// First attempt plus MaxRetries.
	if want := int64(client.cfg.MaxRetries) + 1; calls.Load() != want {
		t.Errorf("server saw %d calls, want %d", calls.Load(), want)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.List(context.Background(), "progress", Scope{}, time.Time{})
	if !IsAuth(err) {
		t.Errorf("err = %v, want AuthError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("auth failure retried %d times", calls.Load()-1)
	}
}

func TestTokenCallbackFailureCarriesCause(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	refreshErr := errors.New("keychain locked")
	client.cfg.Token = func(ctx context.Context) (string, error) { return "", refreshErr }

	_, err := client.List(context.Background(), "progress", Scope{}, time.Time{})
	if !IsAuth(err) {
		t.Errorf("err = %v, want AuthError", err)
	}
	if !errors.Is(err, refreshErr) {
		t.Errorf("err = %v, want it to wrap the token callback failure", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server saw %d requests, want none", calls.Load())
	}
}

func TestRejectionNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "week already has a selection")
	}))

	_, err := client.UpsertBatch(context.Background(), "selections",
		[]json.RawMessage{json.RawMessage(`{"id":"s1"}`)})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if rej.Status != http.StatusUnprocessableEntity || rej.Body != "week already has a selection" {
		t.Errorf("rejection = %+v", rej)
	}
	if calls.Load() != 1 {
		t.Errorf("rejection retried %d times", calls.Load()-1)
	}
}

func TestContextCancellation(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.List(ctx, "progress", Scope{}, time.Time{})
	if err == nil {
		t.Error("expected error after context cancellation")
	}
}
