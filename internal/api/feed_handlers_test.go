package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/autofeed/internal/listing"
)

type sessionJSON struct {
	SessionID        string        `json:"session_id"`
	Listings         []listingJSON `json:"listings"`
	Exhausted        bool          `json:"exhausted"`
	Cursor           int           `json:"cursor"`
	PageSize         int           `json:"page_size"`
	ApproximateTotal int           `json:"approximate_total"`
	Sort             string        `json:"sort"`
	Filter           struct {
		Status string `json:"status"`
		Brand  string `json:"brand"`
	} `json:"filter"`
}

type nextJSON struct {
	SessionID string        `json:"session_id"`
	Appended  int           `json:"appended"`
	Exhausted bool          `json:"exhausted"`
	Page      int           `json:"page"`
	Cursor    int           `json:"cursor"`
	Listings  []listingJSON `json:"listings"`
}

func createSession(t *testing.T, h http.Handler, body string) CreateSessionResponse {
	t.Helper()
	rr := doRequest(t, h, http.MethodPost, "/feed/sessions", strings.NewReader(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[CreateSessionResponse](t, rr)
}

func nextPage(t *testing.T, h http.Handler, id string) nextJSON {
	t.Helper()
	rr := doRequest(t, h, http.MethodPost, "/feed/sessions/"+id+"/next", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("next page: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[nextJSON](t, rr)
}

func TestFeedSession_WalkToExhaustion(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	created := createSession(t, mux, `{"sort":"recent","page_size":2}`)
	if created.PageSize != 2 || created.Sort != listing.SortRecent {
		t.Fatalf("created = %+v, want page_size 2 sort recent", created)
	}

	steps := []struct {
		wantIDs       []string
		wantExhausted bool
		wantCursor    int
	}{
		{[]string{"a", "b"}, false, 2},
		{[]string{"c", "d"}, false, 3},
		{[]string{"e"}, true, 4},
		{[]string{}, true, 4},
	}
	for i, step := range steps {
		res := nextPage(t, mux, created.SessionID)
		if got := ids(res.Listings); !reflect.DeepEqual(got, step.wantIDs) {
			t.Errorf("step %d: ids = %v, want %v", i+1, got, step.wantIDs)
		}
		if res.Appended != len(step.wantIDs) {
			t.Errorf("step %d: appended = %d, want %d", i+1, res.Appended, len(step.wantIDs))
		}
		if res.Exhausted != step.wantExhausted {
			t.Errorf("step %d: exhausted = %v, want %v", i+1, res.Exhausted, step.wantExhausted)
		}
		if res.Cursor != step.wantCursor {
			t.Errorf("step %d: cursor = %d, want %d", i+1, res.Cursor, step.wantCursor)
		}
	}

	rr := doRequest(t, mux, http.MethodGet, "/feed/sessions/"+created.SessionID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rr.Code)
	}
	sess := decode[sessionJSON](t, rr)
	if got, want := ids(sess.Listings), []string{"a", "b", "c", "d", "e"}; !reflect.DeepEqual(got, want) {
		t.Errorf("visible feed = %v, want %v", got, want)
	}
	if !sess.Exhausted {
		t.Error("expected session to be exhausted")
	}
	if sess.ApproximateTotal != 4 {
		t.Errorf("approximate_total = %d, want 4", sess.ApproximateTotal)
	}
	if sess.Filter.Status != "active" {
		t.Errorf("filter status = %q, want active default", sess.Filter.Status)
	}
}

func TestFeedSession_ViewChurnDoesNotDuplicate(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	created := createSession(t, mux, `{"page_size":2}`)
	first := nextPage(t, mux, created.SessionID)
	if got, want := ids(first.Listings), []string{"c", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("first page = %v, want %v", got, want)
	}

	// e jumps to super-hot, pushing a delivered listing onto page 2.
	for i := 0; i < 40; i++ {
		if rr := doRequest(t, mux, http.MethodPost, "/listings/e/views", nil); rr.Code != http.StatusOK {
			t.Fatalf("record view: expected 200, got %d", rr.Code)
		}
	}

	seen := map[string]bool{"c": true, "b": true}
	for {
		res := nextPage(t, mux, created.SessionID)
		for _, l := range res.Listings {
			if seen[l.ID] {
				t.Fatalf("listing %s delivered twice", l.ID)
			}
			seen[l.ID] = true
		}
		if res.Exhausted {
			break
		}
	}

	sess := decode[sessionJSON](t, doRequest(t, mux, http.MethodGet, "/feed/sessions/"+created.SessionID, nil))
	if len(sess.Listings) != len(seen) {
		t.Errorf("visible feed has %d listings, delivered %d distinct", len(sess.Listings), len(seen))
	}
}

func TestFeedSession_NotFound(t *testing.T) {
	mux, _ := newTestMux(newSeededStore(t), nil)

	requests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/feed/sessions/nope", ""},
		{http.MethodPost, "/feed/sessions/nope/next", ""},
		{http.MethodPut, "/feed/sessions/nope/query", `{"sort":"recent"}`},
		{http.MethodDelete, "/feed/sessions/nope", ""},
	}
	for _, req := range requests {
		t.Run(req.method+" "+req.path, func(t *testing.T) {
			rr := doRequest(t, mux, req.method, req.path, strings.NewReader(req.body))
			if rr.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rr.Code)
			}
			if resp := decode[ErrorResponse](t, rr); resp.Error.Code != ErrCodeSessionNotFound {
				t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeSessionNotFound)
			}
		})
	}
}

func TestCreateSession_Validation(t *testing.T) {
	mux, registry := newTestMux(newSeededStore(t), nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"page size over max", `{"page_size":51}`, ErrCodeValidation},
		{"negative page size", `{"page_size":-1}`, ErrCodeValidation},
		{"malformed json", `{"sort":`, ErrCodeBadRequest},
		{"unknown field", `{"sorting":"hot"}`, ErrCodeBadRequest},
		{"inverted price", `{"filter":{"min_price":"5000","max_price":"1000"}}`, ErrCodeValidation},
		{"unknown status", `{"filter":{"status":"archived"}}`, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, mux, http.MethodPost, "/feed/sessions", strings.NewReader(tt.body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if resp := decode[ErrorResponse](t, rr); resp.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
		})
	}

	if n := registry.Len(); n != 0 {
		t.Errorf("expected no sessions after rejected creates, got %d", n)
	}
}

func TestCreateSession_StatusIsCaseInsensitive(t *testing.T) {
	cars := fiveCars()
	cars[3].Status = listing.StatusSold
	st := newSeededStore(t, cars...)
	mux, _ := newTestMux(st, st)

	created := createSession(t, mux, `{"filter":{"status":" SOLD "},"page_size":2}`)

	res := nextPage(t, mux, created.SessionID)
	if got := ids(res.Listings); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("ids = %v, want [d]", got)
	}

	rr := doRequest(t, mux, http.MethodGet, "/feed/sessions/"+created.SessionID, nil)
	if sess := decode[sessionJSON](t, rr); sess.Filter.Status != "sold" {
		t.Errorf("filter status = %q, want sold", sess.Filter.Status)
	}
}

func TestCreateSession_EmptyBodyUsesDefaults(t *testing.T) {
	mux, _ := newTestMux(newSeededStore(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/feed/sessions", http.NoBody)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[CreateSessionResponse](t, rr)
	if created.PageSize != 2 || created.Sort != listing.SortHot {
		t.Errorf("created = %+v, want registry default page size 2 and hot sort", created)
	}
}

func TestReplaceQuery_ResetsSession(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	created := createSession(t, mux, `{"sort":"recent","page_size":2}`)
	nextPage(t, mux, created.SessionID)

	rr := doRequest(t, mux, http.MethodPut, "/feed/sessions/"+created.SessionID+"/query",
		strings.NewReader(`{"sort":"oldest","filter":{"brand":" Toyota "}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	sess := decode[sessionJSON](t, rr)
	if len(sess.Listings) != 0 || sess.Cursor != 1 || sess.Exhausted {
		t.Errorf("after reset: %d listings, cursor %d, exhausted %v; want empty feed at page 1",
			len(sess.Listings), sess.Cursor, sess.Exhausted)
	}
	if sess.Sort != "oldest" || sess.Filter.Brand != "Toyota" {
		t.Errorf("query = sort %q brand %q, want oldest Toyota", sess.Sort, sess.Filter.Brand)
	}

	res := nextPage(t, mux, created.SessionID)
	if got, want := ids(res.Listings), []string{"e", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("first page after reset = %v, want %v", got, want)
	}
}

func TestDeleteSession(t *testing.T) {
	mux, registry := newTestMux(newSeededStore(t), nil)
	created := createSession(t, mux, `{}`)

	if rr := doRequest(t, mux, http.MethodDelete, "/feed/sessions/"+created.SessionID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if registry.Len() != 0 {
		t.Errorf("expected registry to be empty, has %d", registry.Len())
	}
	if rr := doRequest(t, mux, http.MethodGet, "/feed/sessions/"+created.SessionID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestNextPage_StoreFailureIsRetryable(t *testing.T) {
	flaky := &flakyStore{next: newSeededStore(t, fiveCars()...), failures: 1}
	mux, _ := newTestMux(flaky, nil)
	created := createSession(t, mux, `{"sort":"recent","page_size":2}`)

	rr := doRequest(t, mux, http.MethodPost, "/feed/sessions/"+created.SessionID+"/next", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Error.Code != ErrCodeStoreUnavailable {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeStoreUnavailable)
	}

	res := nextPage(t, mux, created.SessionID)
	if got, want := ids(res.Listings), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("retry = %v, want %v", got, want)
	}
	if res.Page != 1 {
		t.Errorf("retry page = %d, want 1", res.Page)
	}
}

func TestNextPage_ConcurrentTriggerCoalesced(t *testing.T) {
	blocking := &blockingStore{
		next:    newSeededStore(t, fiveCars()...),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	mux, _ := newTestMux(blocking, nil)
	created := createSession(t, mux, `{"sort":"recent","page_size":2}`)
	path := "/feed/sessions/" + created.SessionID + "/next"

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = httptest.NewRecorder()
		mux.ServeHTTP(first, httptest.NewRequest(http.MethodPost, path, nil))
	}()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first load never reached the store")
	}

	second := doRequest(t, mux, http.MethodPost, path, nil)
	close(blocking.release)
	wg.Wait()

	if second.Code != http.StatusConflict {
		t.Fatalf("concurrent trigger: expected 409, got %d", second.Code)
	}
	if resp := decode[ErrorResponse](t, second); resp.Error.Code != ErrCodeFetchInFlight {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeFetchInFlight)
	}
	if first.Code != http.StatusOK {
		t.Fatalf("first load: expected 200, got %d", first.Code)
	}
	if res := decode[nextJSON](t, first); res.Appended != 2 {
		t.Errorf("first load appended %d, want 2", res.Appended)
	}
	if n := blocking.calls(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

// flakyStore fails the first failures listing queries.
type flakyStore struct {
	next     listing.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) QueryListings(ctx context.Context, q listing.Query) ([]listing.Listing, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.next.QueryListings(ctx, q)
}

func (f *flakyStore) EstimateMatchingTotal(ctx context.Context, filter listing.Filter) (int, error) {
	return f.next.EstimateMatchingTotal(ctx, filter)
}

// blockingStore holds the first listing query until release is closed.
type blockingStore struct {
	next    listing.Store
	entered chan struct{}
	release chan struct{}

	mu sync.Mutex
	n  int
}

func (b *blockingStore) QueryListings(ctx context.Context, q listing.Query) ([]listing.Listing, error) {
	b.mu.Lock()
	b.n++
	first := b.n == 1
	b.mu.Unlock()

	if first {
		close(b.entered)
		<-b.release
	}
	return b.next.QueryListings(ctx, q)
}

func (b *blockingStore) EstimateMatchingTotal(ctx context.Context, filter listing.Filter) (int, error) {
	return b.next.EstimateMatchingTotal(ctx, filter)
}

func (b *blockingStore) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestErrorEnvelope_ReachesBody(t *testing.T) {
	mux, _ := newTestMux(newSeededStore(t), nil)
	rr := doRequest(t, mux, http.MethodGet, "/nowhere", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"code":"not_found"`)) {
		t.Errorf("body = %s, want not_found envelope", rr.Body.String())
	}
}
