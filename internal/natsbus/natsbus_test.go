package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // random
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Errorf("expected a resolved port, got %d", bus.Port())
	}
}

func TestPublishJSON(t *testing.T) {
	bus := newTestBus(t)
	client, err := NewClient(bus, "publisher")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe(TopicEventsRuns, func(msg *nats.Msg) {
		received <- msg.Subject + " " + string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON(TopicRunEvents("r1"), map[string]string{"key": "value"}); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `events.run.r1 {"key":"value"}` {
			t.Errorf("unexpected message %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestJSON(t *testing.T) {
	bus := newTestBus(t)
	server, err := NewClient(bus, "responder")
	if err != nil {
		t.Fatalf("server client: %v", err)
	}
	defer server.Close()

	_, err = server.Subscribe(TopicIPCRuns, func(msg *nats.Msg) {
		var req map[string]string
		_ = json.Unmarshal(msg.Data, &req)
		reply, _ := json.Marshal(map[string]string{"echo": req["type"]})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	server.Flush()

	client, err := NewClientFromURL(bus.ClientURL(), "requester")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	var resp map[string]string
	if err := client.RequestJSON(TopicIPCRuns, map[string]string{"type": "status"}, &resp, 2*time.Second); err != nil {
		t.Fatalf("RequestJSON: %v", err)
	}
	if resp["echo"] != "status" {
		t.Errorf("unexpected reply %v", resp)
	}
}

func TestClientConnectionName(t *testing.T) {
	bus := newTestBus(t)
	local, err := NewClient(bus, "sitescope-web")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer local.Close()
	remote, err := NewClientFromURL(bus.ClientURL(), "sscli")
	if err != nil {
		t.Fatalf("client from url: %v", err)
	}
	defer remote.Close()

	if local.Name() != "sitescope-web" || remote.Name() != "sscli" {
		t.Errorf("unexpected names %q %q", local.Name(), remote.Name())
	}

	connz, err := bus.server.Connz(&natsserver.ConnzOptions{})
	if err != nil {
		t.Fatalf("connz: %v", err)
	}
	seen := make(map[string]bool)
	for _, c := range connz.Conns {
		seen[c.Name] = true
	}
	for _, want := range []string{"sitescope-web", "sscli"} {
		if !seen[want] {
			t.Errorf("server does not list connection %q, got %v", want, seen)
		}
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicRunEvents("abc"); got != "events.run.abc" {
		t.Errorf("expected events.run.abc, got %s", got)
	}
	if got := TopicScheduleEvents("s1"); got != "events.schedule.s1" {
		t.Errorf("expected events.schedule.s1, got %s", got)
	}
}
