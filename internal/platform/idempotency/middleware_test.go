package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/api/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func newOrderRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orders/create", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(HeaderKey, token)
	}
	return req
}

func asUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestReplayerWithoutTokenPassesThrough(t *testing.T) {
	calls := 0
	handler := NewReplayer(NewMemoryStore(time.Hour)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest(`{}`, ""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach handler, got %d", calls)
	}
}

func TestReplayerRequireKeyRejectsMissingToken(t *testing.T) {
	handler := NewReplayer(NewMemoryStore(time.Hour), RequireKey()).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run without a token")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"foo":"bar"}`, ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorMessage(t, rr.Body.Bytes(), "Missing Idempotency-Key header")
}

func TestReplayerReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := NewReplayer(NewMemoryStore(time.Hour)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"paymentMethod":"cod"}` {
			t.Fatalf("handler saw body %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/orders/ord_1")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest(`{"paymentMethod":"cod"}`, "abc-123"))
	if calls != 1 || first.Code != http.StatusCreated {
		t.Fatalf("unexpected first response: calls=%d status=%d", calls, first.Code)
	}
	if first.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("first response must not be marked as replayed")
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest(`{"paymentMethod":"cod"}`, "abc-123"))
	if calls != 1 {
		t.Fatalf("expected handler not to be called again, got %d calls", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("unexpected replay %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" || second.Header().Get("Location") != "/orders/ord_1" {
		t.Fatalf("expected content type and location to be replayed, got %v", second.Header())
	}
	if second.Header().Get("X-Request-Id") != "" {
		t.Fatalf("per-request headers must not be replayed")
	}
}

func TestReplayerScopesTokensByOwnerAndRoute(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	calls := 0
	handler := NewReplayer(store).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	requests := []*http.Request{
		asUser(newOrderRequest(`{}`, "shared"), "user-1"),
		asUser(newOrderRequest(`{}`, "shared"), "user-2"),
		asUser(httptest.NewRequest(http.MethodPost, "/orders/wholesale/create", strings.NewReader(`{}`)), "user-1"),
	}
	requests[2].Header.Set("Content-Type", "application/json")
	requests[2].Header.Set(HeaderKey, "shared")

	for i, req := range requests {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Header().Get(HeaderReplayed) != "" || rr.Code != http.StatusCreated {
			t.Fatalf("request %d: unexpected replay or status %d", i, rr.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("expected each owner and route to reach the handler, got %d", calls)
	}
}

func TestReplayerDifferentBodyConflicts(t *testing.T) {
	handler := NewReplayer(NewMemoryStore(time.Hour)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"foo":"bar"}`, "same-key"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"foo":"baz"}`, "same-key"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr.Code)
	}
	assertErrorMessage(t, rr.Body.Bytes(), "Idempotency key already used for a different request")
}

func TestReplayerBusyClaimConflicts(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	handler := NewReplayer(store).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the first attempt is in flight")
	}))

	req := newOrderRequest(`{"foo":"bar"}`, "busy-key")
	fingerprint, err := fingerprintRequest(req)
	if err != nil {
		t.Fatalf("fingerprintRequest: %v", err)
	}
	key := Key{Owner: "anonymous", Route: "/orders/create", Token: "busy-key"}
	if _, err := store.Claim(context.Background(), key, fingerprint); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", rr.Code)
	}
	assertErrorMessage(t, rr.Body.Bytes(), "A request with this idempotency key is in progress")
}

func TestReplayerServerErrorLetsClientRetry(t *testing.T) {
	status := http.StatusServiceUnavailable
	calls := 0
	handler := NewReplayer(NewMemoryStore(time.Hour)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "retry-key"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected handler status to pass through, got %d", rr.Code)
	}

	status = http.StatusCreated
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "retry-key"))
	if rr.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry to reach the handler, got %d after %d calls", rr.Code, calls)
	}
}

func TestReplayerPanicReleasesClaim(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	panicking := NewReplayer(store).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	func() {
		defer func() { _ = recover() }()
		panicking.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "panic-key"))
	}()

	ok := NewReplayer(store).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rr := httptest.NewRecorder()
	ok.ServeHTTP(rr, newOrderRequest(`{}`, "panic-key"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected claim to be released after panic, got %d", rr.Code)
	}
}

func TestReplayerOversizedResponseIsNotStored(t *testing.T) {
	calls := 0
	handler := NewReplayer(NewMemoryStore(time.Hour)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write(bytes.Repeat([]byte("x"), maxSavedBody+1))
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest(`{}`, "big"))
		if rr.Body.Len() != maxSavedBody+1 {
			t.Fatalf("expected full body to be delivered, got %d bytes", rr.Body.Len())
		}
	}
	if calls != 2 {
		t.Fatalf("expected oversized responses to be recomputed, got %d calls", calls)
	}
}

func TestReplayerMultipartFingerprintIgnoresBoundary(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	calls := 0
	handler := NewReplayer(store).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("handler could not read upload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	upload := func(boundary string) *http.Request {
		body := "--" + boundary + "\r\nContent-Disposition: form-data; name=\"paymentMethod\"\r\n\r\nupi\r\n--" + boundary + "--\r\n"
		req := httptest.NewRequest(http.MethodPost, "/orders/create", strings.NewReader(body))
		req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
		req.Header.Set(HeaderKey, "upload-1")
		return req
	}

	for _, boundary := range []string{"AAAAAAAA", "BBBBBBBB"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, upload(boundary))
		if rr.Code != http.StatusCreated {
			t.Fatalf("boundary %s: expected 201, got %d", boundary, rr.Code)
		}
	}
	if calls != 1 {
		t.Fatalf("expected retried upload to be replayed, got %d calls", calls)
	}
}

func TestReplayerCompleteFailureStillDeliversResponse(t *testing.T) {
	store := &stubStore{failComplete: true}
	var logged []string
	logger := func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	}
	handler := NewReplayer(store, WithLogger(logger)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"foo":"bar"}`, "fail-key"))

	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.abandoned {
		t.Fatalf("expected claim to be abandoned on failure")
	}
	if len(logged) == 0 || logged[0] != "idempotency.complete_failed" {
		t.Fatalf("expected complete failure to be logged, got %v", logged)
	}
}

func TestReplayerStoreErrorReturnsUnavailable(t *testing.T) {
	handler := NewReplayer(&stubStore{failClaim: true}).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "k"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestReplayerOnlyGuardsPost(t *testing.T) {
	store := &stubStore{failClaim: true}
	called := false
	handler := NewReplayer(store).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(HeaderKey, "k")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatalf("expected GET to bypass the store")
	}
}

func TestMemoryStoreForgetsExpiredClaims(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	now := fixedTime
	store.now = func() time.Time { return now }
	ctx := context.Background()
	key := Key{Owner: "user-1", Route: "/orders/create", Token: "k"}

	if err := store.Complete(ctx, key, "fp", Saved{Status: http.StatusCreated}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if claim, _ := store.Claim(ctx, key, "fp"); claim.State != ClaimReplay {
		t.Fatalf("expected replay inside the window, got %v", claim.State)
	}
	if err := store.Abandon(ctx, key, "fp"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if claim, _ := store.Claim(ctx, key, "fp"); claim.State != ClaimReplay {
		t.Fatalf("abandon must not drop a finished entry")
	}

	now = now.Add(time.Hour)
	claim, err := store.Claim(ctx, key, "other")
	if err != nil || claim.State != ClaimAcquired {
		t.Fatalf("expected fresh claim after the window, got %v %v", claim.State, err)
	}
}

type stubStore struct {
	failClaim    bool
	failComplete bool
	abandoned    bool
}

func (s *stubStore) Claim(context.Context, Key, string) (Claim, error) {
	if s.failClaim {
		return Claim{}, errors.New("redis down")
	}
	return Claim{State: ClaimAcquired}, nil
}

func (s *stubStore) Complete(context.Context, Key, string, Saved) error {
	if s.failComplete {
		return errors.New("complete failed")
	}
	return nil
}

func (s *stubStore) Abandon(context.Context, Key, string) error {
	s.abandoned = true
	return nil
}

func assertErrorMessage(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Message != expected {
		t.Fatalf("expected message %q, got %q", expected, body.Message)
	}
}
