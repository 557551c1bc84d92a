package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/errcodec"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const testPrefix = "correlator:correlator_test"

// recordingTransport captures every request it is asked to send.
type recordingTransport struct {
	mu       sync.Mutex
	requests []*wire.Request
	sent     chan *wire.Request
	err      error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(chan *wire.Request, 256)}
}

func (t *recordingTransport) SendRequest(_ context.Context, req *wire.Request) error {
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	t.sent <- req
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *recordingTransport) next(tb testing.TB) *wire.Request {
	tb.Helper()
	select {
	case req := <-t.sent:
		return req
	case <-time.After(2 * time.Second):
		tb.Fatalf("%s - no request was sent", testPrefix)
		return nil
	}
}

type diagnosticSink struct {
	mu     sync.Mutex
	events []*events.DiagnosticEvent
}

func (s *diagnosticSink) publisher() events.DiagnosticPublisher {
	return events.NewCallbackPublisher(func(_ context.Context, e *events.DiagnosticEvent) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, e)
		return nil
	})
}

func (s *diagnosticSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func ok(tb testing.TB, id string, v any) *wire.Response {
	tb.Helper()
	resp, err := wire.Success(id, v)
	if err != nil {
		tb.Fatalf("%s - Success: %v", testPrefix, err)
	}
	return resp
}

func waitDone(tb testing.TB, call *Call) {
	tb.Helper()
	select {
	case <-call.Done:
	case <-time.After(2 * time.Second):
		tb.Fatalf("%s - call %s never settled", testPrefix, call.Operation)
	}
}

func TestCorrelator_OutOfOrderResponses(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})
	ctx := context.Background()

	a := c.Start(ctx, Invocation{Operation: "clipboard.readText"})
	reqA := tr.next(t)
	b := c.Start(ctx, Invocation{Operation: "screen.getPrimaryDisplay"})
	reqB := tr.next(t)

	if reqA.ID == reqB.ID {
		t.Fatalf("%s - both requests got id %s", testPrefix, reqA.ID)
	}

	c.HandleResponse(ok(t, reqB.ID, "B"))
	waitDone(t, b)
	select {
	case <-a.Done:
		t.Fatalf("%s - A settled by B's response", testPrefix)
	default:
	}

	c.HandleResponse(ok(t, reqA.ID, "A"))
	waitDone(t, a)

	var gotA, gotB string
	if err := a.Decode(&gotA); err != nil || gotA != "A" {
		t.Errorf("%s - A = %q, %v; want \"A\"", testPrefix, gotA, err)
	}
	if err := b.Decode(&gotB); err != nil || gotB != "B" {
		t.Errorf("%s - B = %q, %v; want \"B\"", testPrefix, gotB, err)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending() = %d, want 0", testPrefix, c.Pending())
	}
}

func TestCorrelator_RequestCarriesArgsAndContext(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{
		Transport: tr,
		Gate:      AllowAll,
		Config: Config{
			Name:           "renderer-1",
			DefaultTimeout: time.Second,
			Context:        &wire.InvocationContext{Role: "sandboxed", Platform: "linux"},
		},
	})

	c.Start(context.Background(), Invocation{Operation: "clipboard.writeText", Args: []any{"hello"}})
	req := tr.next(t)

	if req.Kind != wire.KindRequest || req.Operation != "clipboard.writeText" {
		t.Errorf("%s - unexpected request %+v", testPrefix, req)
	}
	var text string
	if err := req.Arg(0, &text); err != nil || text != "hello" {
		t.Errorf("%s - arg 0 = %q, %v; want hello", testPrefix, text, err)
	}
	if req.Ctx == nil || req.Ctx.Role != "sandboxed" || req.Ctx.ClientName != "renderer-1" || req.Ctx.DeadlineMs != 1000 {
		t.Errorf("%s - unexpected invocation context %+v", testPrefix, req.Ctx)
	}
	c.Close()
}

func TestCorrelator_ErrorResponse(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	call := c.Start(context.Background(), Invocation{Operation: "heap.takeSnapshot"})
	req := tr.next(t)
	c.HandleResponse(wire.Failure(req.ID, bridgeerr.RemoteDisabled("heap.takeSnapshot")))

	_, err := call.Wait()
	var re *errcodec.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("%s - expected *errcodec.RemoteError, got %T: %v", testPrefix, err, err)
	}
	if !errors.Is(err, bridgeerr.ErrRemoteDisabled) {
		t.Errorf("%s - expected REMOTE_DISABLED, got %v", testPrefix, err)
	}
}

func TestCorrelator_MalformedErrorPayload(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	call := c.Start(context.Background(), Invocation{Operation: "clipboard.readText"})
	req := tr.next(t)
	c.HandleResponse(&wire.Response{Kind: wire.KindResponse, ID: req.ID, Ok: false, Payload: json.RawMessage(`"nope"`)})

	if _, err := call.Wait(); !errors.Is(err, bridgeerr.ErrProtocol) {
		t.Errorf("%s - expected PROTOCOL_ERROR, got %v", testPrefix, err)
	}
}

func TestCorrelator_TimeoutThenLateResponse(t *testing.T) {
	tr := newRecordingTransport()
	sink := &diagnosticSink{}
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, Publisher: sink.publisher()})

	start := time.Now()
	call := c.Start(context.Background(), Invocation{Operation: "clipboard.readText", Timeout: 50 * time.Millisecond})
	req := tr.next(t)

	_, err := call.Wait()
	elapsed := time.Since(start)
	if !errors.Is(err, bridgeerr.ErrRequestTimedOut) {
		t.Fatalf("%s - expected REQUEST_TIMED_OUT, got %v", testPrefix, err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("%s - timed out after %s, before the 50ms deadline", testPrefix, elapsed)
	}

	time.Sleep(10 * time.Millisecond)
	c.HandleResponse(ok(t, req.ID, "too late"))

	if call.Result != nil {
		t.Errorf("%s - late response changed the result to %s", testPrefix, call.Result)
	}
	if !errors.Is(call.Err, bridgeerr.ErrRequestTimedOut) {
		t.Errorf("%s - late response changed the error to %v", testPrefix, call.Err)
	}
	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != events.KindLateResponse {
		t.Errorf("%s - diagnostics = %v, want [%s]", testPrefix, kinds, events.KindLateResponse)
	}
	stats := c.Stats()
	if stats.TimedOut != 1 || stats.Stale != 1 || stats.Pending != 0 {
		t.Errorf("%s - unexpected stats %+v", testPrefix, stats)
	}
}

func TestCorrelator_DuplicateAndUnknownResponses(t *testing.T) {
	tr := newRecordingTransport()
	sink := &diagnosticSink{}
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, Publisher: sink.publisher()})

	call := c.Start(context.Background(), Invocation{Operation: "clipboard.readText"})
	req := tr.next(t)

	c.HandleResponse(ok(t, req.ID, "first"))
	c.HandleResponse(ok(t, req.ID, "second"))
	c.HandleResponse(ok(t, "never-issued", "ghost"))

	var got string
	if err := call.Decode(&got); err != nil || got != "first" {
		t.Errorf("%s - result = %q, %v; want first", testPrefix, got, err)
	}

	want := []string{events.KindDuplicateResponse, events.KindUnknownResponse}
	kinds := sink.kinds()
	if len(kinds) != len(want) {
		t.Fatalf("%s - diagnostics = %v, want %v", testPrefix, kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("%s - diagnostic %d = %s, want %s", testPrefix, i, kinds[i], want[i])
		}
	}
}

func TestCorrelator_UnknownResponseWithNothingPending(t *testing.T) {
	c := NewCorrelator(NewCorrelatorParams{Transport: newRecordingTransport(), Gate: AllowAll})
	c.HandleResponse(ok(t, "abc", 1))
	if c.Pending() != 0 || c.Stats().Stale != 1 {
		t.Errorf("%s - unexpected stats %+v", testPrefix, c.Stats())
	}
}

func TestCorrelator_MalformedMessages(t *testing.T) {
	sink := &diagnosticSink{}
	c := NewCorrelator(NewCorrelatorParams{Transport: newRecordingTransport(), Gate: AllowAll, Publisher: sink.publisher()})

	c.HandleMessage(commsutil.JSON, []byte(`{not json`))
	c.HandleMessage(commsutil.JSON, []byte(`{"kind":"request","id":"x"}`))
	c.HandleResponse(&wire.Response{Kind: wire.KindResponse})

	if got := c.Stats().Malformed; got != 3 {
		t.Errorf("%s - Malformed = %d, want 3", testPrefix, got)
	}
	for _, k := range sink.kinds() {
		if k != events.KindMalformedMessage {
			t.Errorf("%s - unexpected diagnostic kind %s", testPrefix, k)
		}
	}
}

func TestCorrelator_HandleMessageCBOR(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	call := c.Start(context.Background(), Invocation{Operation: "screen.getPrimaryDisplay"})
	req := tr.next(t)

	data, err := commsutil.CBOR.Marshal(ok(t, req.ID, map[string]int{"width": 1920}))
	if err != nil {
		t.Fatalf("%s - marshal: %v", testPrefix, err)
	}
	c.HandleMessage(commsutil.CBOR, data)

	var got map[string]int
	if err := call.Decode(&got); err != nil || got["width"] != 1920 {
		t.Errorf("%s - result = %v, %v; want width=1920", testPrefix, got, err)
	}
}

func TestCorrelator_UniqueIDsUnderConcurrency(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	const n = 200
	var wg sync.WaitGroup
	calls := make(chan *Call, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calls <- c.Start(context.Background(), Invocation{Operation: "clipboard.readText"})
		}()
	}
	wg.Wait()
	close(calls)

	seen := make(map[string]bool, n)
	for call := range calls {
		if call.ID == "" {
			t.Fatalf("%s - call settled before registration: %v", testPrefix, call.Err)
		}
		if seen[call.ID] {
			t.Fatalf("%s - id %s issued twice", testPrefix, call.ID)
		}
		seen[call.ID] = true
	}
	if c.Pending() != n {
		t.Errorf("%s - Pending() = %d, want %d", testPrefix, c.Pending(), n)
	}
	c.Close()
}

func TestCorrelator_CollidingGeneratorIsRedrawn(t *testing.T) {
	tr := newRecordingTransport()
	seq := []string{"dup", "dup", "dup", "other"}
	i := 0
	gen := func() string {
		id := seq[i%len(seq)]
		i++
		return id
	}
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, NewID: gen})

	first := c.Start(context.Background(), Invocation{Operation: "a"})
	second := c.Start(context.Background(), Invocation{Operation: "b"})

	if first.ID != "dup" || second.ID != "other" {
		t.Errorf("%s - ids = %q, %q; want dup, other", testPrefix, first.ID, second.ID)
	}
	if got := c.Stats().IDCollisions; got != 2 {
		t.Errorf("%s - IDCollisions = %d, want 2", testPrefix, got)
	}
	c.Close()
}

func TestCorrelator_ExhaustedGenerator(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, NewID: func() string { return "same" }})

	c.Start(context.Background(), Invocation{Operation: "a"})
	call := c.Start(context.Background(), Invocation{Operation: "b"})
	waitDone(t, call)
	if call.Err == nil {
		t.Errorf("%s - expected an error when no unique id can be drawn", testPrefix)
	}
	if tr.count() != 1 {
		t.Errorf("%s - transport saw %d requests, want 1", testPrefix, tr.count())
	}
	c.Close()
}

func TestCorrelator_GateRefusalSendsNothing(t *testing.T) {
	tr := newRecordingTransport()
	gate := GateFunc(func(op string) error {
		switch op {
		case "remote.require":
			return bridgeerr.RemoteDisabled(op)
		case "clipboard.readText":
			return nil
		default:
			return bridgeerr.CapabilityUnavailable(op)
		}
	})
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: gate})

	tests := []struct {
		op   string
		want error
	}{
		{"remote.require", bridgeerr.ErrRemoteDisabled},
		{"desktopCapturer", bridgeerr.ErrCapabilityUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			_, err := c.Call(context.Background(), tt.op)
			if !errors.Is(err, tt.want) {
				t.Errorf("%s - Call(%s) = %v, want %v", testPrefix, tt.op, err, tt.want)
			}
		})
	}
	if tr.count() != 0 {
		t.Errorf("%s - transport saw %d requests, want 0", testPrefix, tr.count())
	}
	if got := c.Stats().Refused; got != 2 {
		t.Errorf("%s - Refused = %d, want 2", testPrefix, got)
	}
}

func TestCorrelator_NilGateRefusesEverything(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr})
	if _, err := c.Call(context.Background(), "clipboard.readText"); !errors.Is(err, bridgeerr.ErrCapabilityUnavailable) {
		t.Errorf("%s - expected CAPABILITY_UNAVAILABLE, got %v", testPrefix, err)
	}
	if tr.count() != 0 {
		t.Errorf("%s - transport saw %d requests, want 0", testPrefix, tr.count())
	}
}

func TestCorrelator_UnserializableArgument(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})
	_, err := c.Call(context.Background(), "clipboard.writeText", make(chan int))
	if !errors.Is(err, bridgeerr.ErrInvalidArgument) {
		t.Errorf("%s - expected INVALID_ARGUMENT, got %v", testPrefix, err)
	}
	if tr.count() != 0 {
		t.Errorf("%s - transport saw %d requests, want 0", testPrefix, tr.count())
	}
}

func TestCorrelator_SendFailure(t *testing.T) {
	tr := newRecordingTransport()
	tr.err = fmt.Errorf("connection refused")
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	_, err := c.Call(context.Background(), "clipboard.readText")
	if err == nil || !errors.Is(err, tr.err) {
		t.Errorf("%s - expected send failure to surface, got %v", testPrefix, err)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending() = %d after send failure, want 0", testPrefix, c.Pending())
	}
}

func TestCorrelator_ContextCancellation(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	ctx, cancel := context.WithCancel(context.Background())
	call := c.Start(ctx, Invocation{Operation: "clipboard.readText"})
	tr.next(t)
	cancel()

	waitDone(t, call)
	if !errors.Is(call.Err, bridgeerr.ErrRequestCancelled) || !errors.Is(call.Err, context.Canceled) {
		t.Errorf("%s - expected REQUEST_CANCELLED wrapping context.Canceled, got %v", testPrefix, call.Err)
	}

	deadlineCtx, cancelDeadline := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelDeadline()
	if _, err := c.Call(deadlineCtx, "clipboard.readText"); !errors.Is(err, bridgeerr.ErrRequestTimedOut) {
		t.Errorf("%s - expected REQUEST_TIMED_OUT from context deadline, got %v", testPrefix, err)
	}

	if _, err := c.Call(ctx, "clipboard.readText"); !errors.Is(err, bridgeerr.ErrRequestCancelled) {
		t.Errorf("%s - expected already-cancelled context to be refused, got %v", testPrefix, err)
	}
}

func TestCorrelator_ContextDeadlineCountsAsTimeout(t *testing.T) {
	tr := newRecordingTransport()
	sink := &diagnosticSink{}
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, Publisher: sink.publisher()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	call := c.Start(ctx, Invocation{Operation: "clipboard.readText"})
	req := tr.next(t)
	waitDone(t, call)
	if !errors.Is(call.Err, bridgeerr.ErrRequestTimedOut) {
		t.Fatalf("%s - expected REQUEST_TIMED_OUT, got %v", testPrefix, call.Err)
	}

	c.HandleResponse(ok(t, req.ID, "too late"))

	stats := c.Stats()
	if stats.TimedOut != 1 || stats.Rejected != 0 || stats.Stale != 1 {
		t.Errorf("%s - unexpected stats %+v", testPrefix, stats)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].Kind != events.KindLateResponse || sink.events[0].Detail != "request already settled by timeout" {
		t.Errorf("%s - diagnostics = %+v", testPrefix, sink.events)
	}
}

func TestCorrelator_Close(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll})

	a := c.Start(context.Background(), Invocation{Operation: "a"})
	b := c.Start(context.Background(), Invocation{Operation: "b"})
	c.Close()
	c.Close()

	for _, call := range []*Call{a, b} {
		waitDone(t, call)
		if !errors.Is(call.Err, bridgeerr.ErrBridgeClosed) {
			t.Errorf("%s - %s: expected BRIDGE_CLOSED, got %v", testPrefix, call.Operation, call.Err)
		}
	}
	if _, err := c.Call(context.Background(), "c"); !errors.Is(err, bridgeerr.ErrBridgeClosed) {
		t.Errorf("%s - expected BRIDGE_CLOSED after Close, got %v", testPrefix, err)
	}
}

func TestRecentSet_Evicts(t *testing.T) {
	r := newRecentSet(2)
	r.add("a", recentEntry{reason: reasonResponse})
	r.add("b", recentEntry{reason: reasonTimedOut})
	r.add("c", recentEntry{reason: reasonClosed})

	if _, ok := r.get("a"); ok {
		t.Errorf("%s - expected a to be evicted", testPrefix)
	}
	if e, ok := r.get("b"); !ok || e.reason != reasonTimedOut {
		t.Errorf("%s - expected b to be remembered as a timeout", testPrefix)
	}
}

func TestCorrelator_WithTimeout(t *testing.T) {
	tr := newRecordingTransport()
	c := NewCorrelator(NewCorrelatorParams{Transport: tr, Gate: AllowAll, Config: Config{DefaultTimeout: time.Minute}})

	call := c.WithTimeout(30*time.Millisecond).Go(context.Background(), "clipboard.readText")
	req := tr.next(t)
	if req.Ctx == nil || req.Ctx.DeadlineMs != 30 {
		t.Errorf("%s - expected the per-call deadline on the request, got %+v", testPrefix, req.Ctx)
	}
	waitDone(t, call)
	if !errors.Is(call.Err, bridgeerr.ErrRequestTimedOut) {
		t.Errorf("%s - expected REQUEST_TIMED_OUT, got %v", testPrefix, call.Err)
	}

	other := c.Go(context.Background(), "clipboard.readText")
	tr.next(t)
	select {
	case <-other.Done:
		t.Errorf("%s - default-timeout call settled early: %v", testPrefix, other.Err)
	case <-time.After(60 * time.Millisecond):
	}
	c.Close()
}
