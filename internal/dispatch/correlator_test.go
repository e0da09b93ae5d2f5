package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
)

// fakeBackend serves each OpenStream from an io.Pipe the test writes into.
type fakeBackend struct {
	mu        sync.Mutex
	current   *io.PipeWriter
	opened    chan struct{}
	submitted []backend.CallRequest
	onSubmit  func(f *fakeBackend, call backend.CallRequest) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{opened: make(chan struct{}, 16)}
}

func (f *fakeBackend) OpenStream(_ context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.current = pw
	f.mu.Unlock()
	f.opened <- struct{}{}
	return pr, nil
}

func (f *fakeBackend) Submit(_ context.Context, call backend.CallRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, call)
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		if err := hook(f, call); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"ack":"received","cid":"` + call.CorrelationID + `"}`), nil
}

// emit writes lines to the open stream without blocking the caller.
func (f *fakeBackend) emit(lines ...string) {
	f.mu.Lock()
	pw := f.current
	f.mu.Unlock()
	go func() {
		for _, l := range lines {
			if _, err := pw.Write([]byte(l + "\n")); err != nil {
				return
			}
		}
	}()
}

func (f *fakeBackend) closeStream() {
	f.mu.Lock()
	pw := f.current
	f.mu.Unlock()
	pw.Close()
}

func (f *fakeBackend) submissions() []backend.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.CallRequest(nil), f.submitted...)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("call_%d", n.Add(1)) }
}

func startCorrelator(t *testing.T, f Backend, cfg Config) *Correlator {
	t.Helper()
	if cfg.NewID == nil {
		cfg.NewID = sequentialIDs()
	}
	c := New(f, cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	return c
}

func TestInvokeReturnsMatchingEvent(t *testing.T) {
	f := newFakeBackend()
	f.onSubmit = func(f *fakeBackend, call backend.CallRequest) error {
		f.emit(
			"not json",
			"",
			`{"cid":"someone_else","status":"success"}`,
			`{"status":"no cid"}`,
			`{"cid":"`+call.CorrelationID+`","status":"success","result":"3"}`,
		)
		return nil
	}
	c := startCorrelator(t, f, Config{})

	ev, err := c.Invoke(context.Background(), "add", map[string]string{"a": "1", "b": "2"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if ev.CorrelationID != "call_1" {
		t.Fatalf("unexpected cid %q", ev.CorrelationID)
	}
	if string(ev.Payload) != `{"cid":"call_1","status":"success","result":"3"}` {
		t.Fatalf("unexpected payload %s", ev.Payload)
	}
	subs := f.submissions()
	if len(subs) != 1 || subs[0].Name != "add" || subs[0].Arguments["a"] != "1" {
		t.Fatalf("unexpected submissions %+v", subs)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}

func TestInvokeStopsAfterFirstMatch(t *testing.T) {
	f := newFakeBackend()
	f.onSubmit = func(f *fakeBackend, call backend.CallRequest) error {
		f.emit(
			`{"cid":"`+call.CorrelationID+`","n":1}`,
			`{"cid":"`+call.CorrelationID+`","n":2}`,
		)
		return nil
	}
	c := startCorrelator(t, f, Config{})

	ev, err := c.Invoke(context.Background(), "add", nil, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(ev.Payload), `"n":1`) {
		t.Fatalf("expected first event, got %s", ev.Payload)
	}
	time.Sleep(20 * time.Millisecond)
	if c.Pending() != 0 {
		t.Fatalf("duplicate event must not re-register a waiter")
	}
}

func TestInvokeTimesOut(t *testing.T) {
	f := newFakeBackend()
	f.onSubmit = func(f *fakeBackend, _ backend.CallRequest) error {
		f.emit("garbage", `{"cid":"call_999"}`)
		return nil
	}
	c := startCorrelator(t, f, Config{})

	_, err := c.Invoke(context.Background(), "add", nil, 50*time.Millisecond)
	if !errorsx.HasReason(err, errorsx.ReasonCallTimeout) {
		t.Fatalf("expected call timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "call_1") {
		t.Fatalf("timeout error should name the cid: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected waiter removed after timeout, got %d", c.Pending())
	}
}

func TestAwaitMatchAtDeadlineWins(t *testing.T) {
	c := New(newFakeBackend(), Config{NewID: sequentialIDs()}, logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	for i := 0; i < 100; i++ {
		cid := fmt.Sprintf("call_%d", i)
		ch, err := c.register(cid)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if !c.deliver(backend.StreamEvent{CorrelationID: cid, Payload: json.RawMessage(`{"cid":"` + cid + `"}`)}) {
			t.Fatalf("expected %s delivered", cid)
		}
		ev, err := c.await(ctx, cid, ch)
		if err != nil {
			t.Fatalf("answered call reported %v", err)
		}
		if ev.CorrelationID != cid {
			t.Fatalf("expected %s, got %s", cid, ev.CorrelationID)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no waiters, got %d", c.Pending())
	}

	ch, _ := c.register("call_late")
	if _, err := c.await(ctx, "call_late", ch); !errorsx.HasReason(err, errorsx.ReasonCallTimeout) {
		t.Fatalf("expected call timeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected waiter removed, got %d", c.Pending())
	}
}

func TestInvokeWithoutStreamTimesOut(t *testing.T) {
	f := newFakeBackend()
	c := New(f, Config{NewID: sequentialIDs()}, logging.Discard())

	_, err := c.Invoke(context.Background(), "add", nil, 30*time.Millisecond)
	if !errorsx.HasReason(err, errorsx.ReasonCallTimeout) {
		t.Fatalf("expected call timeout, got %v", err)
	}
	if len(f.submissions()) != 0 {
		t.Fatal("call must not be submitted before the stream is attached")
	}
}

func TestInvokeConcurrentCallersGetOwnEvents(t *testing.T) {
	const callers = 8
	f := newFakeBackend()
	var (
		mu   sync.Mutex
		seen []string
	)
	f.onSubmit = func(f *fakeBackend, call backend.CallRequest) error {
		mu.Lock()
		seen = append(seen, call.CorrelationID)
		if len(seen) < callers {
			mu.Unlock()
			return nil
		}
		lines := make([]string, 0, callers)
		for i := len(seen) - 1; i >= 0; i-- {
			lines = append(lines, `{"cid":"`+seen[i]+`","tool":"`+seen[i]+`"}`)
		}
		mu.Unlock()
		f.emit(lines...)
		return nil
	}
	c := startCorrelator(t, f, Config{})

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := c.Invoke(context.Background(), "add", nil, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(string(ev.Payload), `"tool":"`+ev.CorrelationID+`"`) {
				errs <- fmt.Errorf("caller got foreign event %s", ev.Payload)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}

func TestInvokeCancelLeavesOthersAlone(t *testing.T) {
	f := newFakeBackend()
	submitted := make(chan string, 2)
	f.onSubmit = func(_ *fakeBackend, call backend.CallRequest) error {
		submitted <- call.CorrelationID
		return nil
	}
	c := startCorrelator(t, f, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "slow", nil, 5*time.Second)
		abandoned <- err
	}()
	<-submitted

	kept := make(chan backend.StreamEvent, 1)
	go func() {
		ev, err := c.Invoke(context.Background(), "fast", nil, 5*time.Second)
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		kept <- ev
	}()
	second := <-submitted

	cancel()
	err := <-abandoned
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errorsx.HasReason(err, errorsx.ReasonCallTimeout) {
		t.Fatal("cancellation must not be reported as a timeout")
	}

	f.emit(`{"cid":"` + second + `","ok":true}`)
	select {
	case ev := <-kept:
		if ev.CorrelationID != second {
			t.Fatalf("unexpected event %s", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never received its event")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}

func TestInvokeSubmitFailure(t *testing.T) {
	f := newFakeBackend()
	f.onSubmit = func(_ *fakeBackend, _ backend.CallRequest) error {
		return errorsx.New(errorsx.ReasonBackendError, "call rejected: backend status 500")
	}
	c := startCorrelator(t, f, Config{})

	_, err := c.Invoke(context.Background(), "add", nil, time.Second)
	if !errorsx.HasReason(err, errorsx.ReasonBackendError) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected waiter removed after submit failure, got %d", c.Pending())
	}
}

func TestCorrelatorReconnects(t *testing.T) {
	f := newFakeBackend()
	c := startCorrelator(t, f, Config{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 10 * time.Millisecond})

	<-f.opened
	f.closeStream()
	select {
	case <-f.opened:
	case <-time.After(time.Second):
		t.Fatal("correlator did not reconnect")
	}

	f.mu.Lock()
	f.onSubmit = func(f *fakeBackend, call backend.CallRequest) error {
		f.emit(`{"cid":"` + call.CorrelationID + `"}`)
		return nil
	}
	f.mu.Unlock()

	if _, err := c.Invoke(context.Background(), "add", nil, time.Second); err != nil {
		t.Fatalf("invoke after reconnect: %v", err)
	}
}

func TestDefaultIDsAreUnique(t *testing.T) {
	c := New(newFakeBackend(), Config{}, logging.Discard())
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.cfg.NewID()
		if !strings.HasPrefix(id, "call_") {
			t.Fatalf("unexpected id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestBackoffDelay(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	if d := backoffDelay(base, max, 0); d != base {
		t.Fatalf("attempt 0: %s", d)
	}
	if d := backoffDelay(base, max, 2); d != 400*time.Millisecond {
		t.Fatalf("attempt 2: %s", d)
	}
	if d := backoffDelay(base, max, 50); d != max {
		t.Fatalf("attempt 50: %s", d)
	}
}

// TestInvokeOverHTTP runs the full flow against an HTTP backend.
func TestInvokeOverHTTP(t *testing.T) {
	submitted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/call":
			var call backend.CallRequest
			if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
				t.Errorf("decode call: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"ack": "received", "cid": call.CorrelationID})
			submitted <- call.CorrelationID
		case "/stream":
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			flusher.Flush()
			select {
			case cid := <-submitted:
				_, _ = io.WriteString(w, "not json\n\n")
				_, _ = io.WriteString(w, `{"cid":"`+cid+`","rows":[{"id":1,"name":"Rohit"}]}`+"\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	// Registered before the correlator's cleanup so the stream is released first.
	t.Cleanup(srv.Close)

	client := backend.New(srv.URL, nil, logging.Discard())
	c := startCorrelator(t, client, Config{NewID: func() string { return "call_1000" }})

	ev, err := c.Invoke(context.Background(), "fetch_workers", map[string]string{"whereField": "id", "whereValue": "1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out, _ := json.Marshal(ev)
	if string(out) != `{"cid":"call_1000","rows":[{"id":1,"name":"Rohit"}]}` {
		t.Fatalf("unexpected event %s", out)
	}
}
