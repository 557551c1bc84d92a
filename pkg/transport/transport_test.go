package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/correlator"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const testPrefix = "transport:transport_test"

// echoDispatcher answers "echo" with its first argument and "sleep" after the
// number of milliseconds it is given.
type echoDispatcher struct {
	mu   sync.Mutex
	seen []string
}

func (d *echoDispatcher) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	d.mu.Lock()
	d.seen = append(d.seen, req.Operation)
	d.mu.Unlock()

	switch req.Operation {
	case "echo":
		var v any
		if err := req.Arg(0, &v); err != nil {
			return wire.Failure(req.ID, err)
		}
		resp, err := wire.Success(req.ID, v)
		if err != nil {
			return wire.Failure(req.ID, err)
		}
		return resp
	case "sleep":
		var ms int
		if err := req.Arg(0, &ms); err != nil {
			return wire.Failure(req.ID, err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return wire.Failure(req.ID, ctx.Err())
		}
		resp, _ := wire.Success(req.ID, ms)
		return resp
	default:
		return wire.Failure(req.ID, bridgeerr.New(bridgeerr.CodeOperationNotFound, req.Operation))
	}
}

func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", testPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", testPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", testPrefix, err)
	}
	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

func TestNATS_RoundTrip(t *testing.T) {
	for _, codec := range []commsutil.Codec{commsutil.JSON, commsutil.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			port := 14340
			if codec == commsutil.CBOR {
				port = 14341
			}
			nc, cleanup := startTestServer(t, port)
			defer cleanup()

			hostSide := NewNATSHost(nc, &echoDispatcher{}, NATSHostOpts{Codec: codec})
			if err := hostSide.Start(context.Background()); err != nil {
				t.Fatalf("%s - host start: %v", testPrefix, err)
			}
			defer hostSide.Stop()

			client := NewNATSClient(nc, NATSClientOpts{Codec: codec})
			c := correlator.NewCorrelator(correlator.NewCorrelatorParams{
				Transport: client,
				Gate:      correlator.AllowAll,
				Config:    correlator.Config{DefaultTimeout: 5 * time.Second},
			})
			if err := client.Listen(c); err != nil {
				t.Fatalf("%s - listen: %v", testPrefix, err)
			}
			defer client.Close()

			raw, err := c.Call(context.Background(), "echo", map[string]any{"hello": "world"})
			if err != nil {
				t.Fatalf("%s - call: %v", testPrefix, err)
			}
			var got map[string]string
			if err := json.Unmarshal(raw, &got); err != nil || got["hello"] != "world" {
				t.Errorf("%s - result = %s, %v", testPrefix, raw, err)
			}

			if _, err := c.Call(context.Background(), "missing"); !errors.Is(err, bridgeerr.ErrOperationNotFound) {
				t.Errorf("%s - expected OPERATION_NOT_FOUND, got %v", testPrefix, err)
			}
		})
	}
}

func TestNATS_OutOfOrderCompletion(t *testing.T) {
	nc, cleanup := startTestServer(t, 14342)
	defer cleanup()

	hostSide := NewNATSHost(nc, &echoDispatcher{}, NATSHostOpts{})
	if err := hostSide.Start(context.Background()); err != nil {
		t.Fatalf("%s - host start: %v", testPrefix, err)
	}
	defer hostSide.Stop()

	client := NewNATSClient(nc, NATSClientOpts{})
	c := correlator.NewCorrelator(correlator.NewCorrelatorParams{Transport: client, Gate: correlator.AllowAll})
	if err := client.Listen(c); err != nil {
		t.Fatalf("%s - listen: %v", testPrefix, err)
	}

	slow := c.Go(context.Background(), "sleep", 200)
	fast := c.Go(context.Background(), "sleep", 1)

	select {
	case <-fast.Done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - fast call never completed", testPrefix)
	}
	select {
	case <-slow.Done:
		t.Fatalf("%s - slow call completed before fast call was observed", testPrefix)
	default:
	}

	var ms int
	if err := slow.Decode(&ms); err != nil || ms != 200 {
		t.Errorf("%s - slow = %d, %v; want 200", testPrefix, ms, err)
	}
	if err := fast.Decode(&ms); err != nil || ms != 1 {
		t.Errorf("%s - fast = %d, %v; want 1", testPrefix, ms, err)
	}
}

func TestNATS_HostAnswersUndecodableRequest(t *testing.T) {
	nc, cleanup := startTestServer(t, 14343)
	defer cleanup()

	hostSide := NewNATSHost(nc, &echoDispatcher{}, NATSHostOpts{})
	if err := hostSide.Start(context.Background()); err != nil {
		t.Fatalf("%s - host start: %v", testPrefix, err)
	}
	defer hostSide.Stop()

	msg, err := nc.Request(commsutil.SubjectRequest, []byte(`{broken`), 2*time.Second)
	if err != nil {
		t.Fatalf("%s - request: %v", testPrefix, err)
	}
	var resp wire.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - response is not JSON: %v", testPrefix, err)
	}
	if resp.Ok || resp.Kind != wire.KindResponse {
		t.Errorf("%s - expected a failed response, got %+v", testPrefix, resp)
	}
}

func TestNATS_ListenTwice(t *testing.T) {
	nc, cleanup := startTestServer(t, 14344)
	defer cleanup()

	client := NewNATSClient(nc, NATSClientOpts{ResponsePrefix: "bridge.client.test"})
	c := correlator.NewCorrelator(correlator.NewCorrelatorParams{Transport: client, Gate: correlator.AllowAll})
	if err := client.Listen(c); err != nil {
		t.Fatalf("%s - first listen: %v", testPrefix, err)
	}
	if err := client.Listen(c); err == nil {
		t.Errorf("%s - expected second Listen to fail", testPrefix)
	}
	if client.ResponsePrefix() != "bridge.client.test" {
		t.Errorf("%s - ResponsePrefix() = %s", testPrefix, client.ResponsePrefix())
	}
}

func TestLoopback(t *testing.T) {
	d := &echoDispatcher{}
	lb := NewLoopback(d, commsutil.CBOR)
	c := correlator.NewCorrelator(correlator.NewCorrelatorParams{Transport: lb, Gate: correlator.AllowAll})

	if _, err := c.Call(context.Background(), "echo", "x"); err == nil {
		t.Errorf("%s - expected an error before a handler is attached", testPrefix)
	}

	if err := lb.Listen(c); err != nil {
		t.Fatalf("%s - listen: %v", testPrefix, err)
	}
	raw, err := c.Call(context.Background(), "echo", "loop")
	if err != nil || string(raw) != `"loop"` {
		t.Errorf("%s - result = %s, %v; want \"loop\"", testPrefix, raw, err)
	}
	lb.Wait()
}
