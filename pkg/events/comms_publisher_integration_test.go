package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func TestCommsPublisher_PublishDiagnostic_BothSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t, 14330)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)

	kindReceived := make(chan *DiagnosticEvent, 1)
	allReceived := make(chan *DiagnosticEvent, 1)

	decodeInto := func(ch chan *DiagnosticEvent) comms.MsgHandler {
		return func(msg *comms.Msg) {
			var event DiagnosticEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
				return
			}
			ch <- &event
		}
	}

	sub1, err := nc.Subscribe("bridge.diagnostics.late_response", decodeInto(kindReceived))
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub1.Unsubscribe()
	sub2, err := nc.Subscribe("bridge.diagnostics", decodeInto(allReceived))
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub2.Unsubscribe()

	event := &DiagnosticEvent{
		Kind:      KindLateResponse,
		Source:    "renderer-1",
		RequestID: "req-1",
		Timestamp: "2026-01-01T00:00:00Z",
	}
	if err := publisher.PublishDiagnostic(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishDiagnostic failed: %v", err)
	}
	nc.Flush()

	for name, ch := range map[string]chan *DiagnosticEvent{"kind": kindReceived, "aggregate": allReceived} {
		select {
		case got := <-ch:
			if got.RequestID != "req-1" || got.Kind != KindLateResponse {
				t.Errorf("events:comms_publisher_integration_test - %s subject got %+v", name, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("events:comms_publisher_integration_test - timeout waiting for %s event", name)
		}
	}
}

func TestCommsPublisher_CustomSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14331)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{Subject: "custom.diag"})

	received := make(chan bool, 1)
	sub, err := nc.Subscribe("custom.diag", func(msg *comms.Msg) {
		received <- true
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := publisher.PublishDiagnostic(context.Background(), &DiagnosticEvent{Kind: KindUnknownResponse}); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishDiagnostic failed: %v", err)
	}
	nc.Flush()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for custom subject event")
	}
}
