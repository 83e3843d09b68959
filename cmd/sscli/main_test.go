package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--id", "run-1"},
			want: map[string]string{"id": "run-1"},
		},
		{
			name: "multiple flags",
			args: []string{"--target", "https://example.com", "--kinds", "keyword,link", "--tenant", "acme"},
			want: map[string]string{"target": "https://example.com", "kinds": "keyword,link", "tenant": "acme"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--id"},
			want: map[string]string{},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--id", "run-1"},
			want: map[string]string{"id": "run-1"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-i", "run-1"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestSplitKindsDefaultsToAll(t *testing.T) {
	if got := splitKinds(""); len(got) != len(analysis.AllKinds) {
		t.Errorf("splitKinds(\"\") = %v, want all kinds", got)
	}
	got := splitKinds(" keyword, ,link ")
	if len(got) != 2 || got[0] != "keyword" || got[1] != "link" {
		t.Errorf("splitKinds = %v", got)
	}
}

func startTestNATS(t *testing.T) (*natsbus.Bus, *natsbus.Client) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	client, err := natsbus.NewClientFromURL(bus.ClientURL(), "sscli-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func respondWith(t *testing.T, url string, handle func(cmd dispatcher.IPCCommand) dispatcher.IPCReply) {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	_, err = conn.Subscribe(natsbus.TopicIPCRuns, func(msg *nats.Msg) {
		var cmd dispatcher.IPCCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("unmarshal command: %v", err)
			return
		}
		data, _ := json.Marshal(handle(cmd))
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSendIPCStart(t *testing.T) {
	bus, client := startTestNATS(t)

	respondWith(t, bus.ClientURL(), func(cmd dispatcher.IPCCommand) dispatcher.IPCReply {
		if cmd.Type != "start" {
			t.Errorf("expected type start, got %s", cmd.Type)
		}
		var sub dispatcher.Submission
		if err := json.Unmarshal(cmd.Payload, &sub); err != nil {
			t.Errorf("unmarshal submission: %v", err)
		}
		if sub.Target != "https://example.com" || len(sub.Kinds) != 2 {
			t.Errorf("unexpected submission: %+v", sub)
		}
		return dispatcher.IPCReply{OK: true, ID: "run-123"}
	})

	resp, err := sendIPC(client, "start", dispatcher.Submission{
		Target: "https://example.com",
		Kinds:  []string{"keyword", "link"},
	})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.ID != "run-123" {
		t.Errorf("expected id run-123, got %s", resp.ID)
	}
}

func TestSendIPCStatus(t *testing.T) {
	bus, client := startTestNATS(t)

	respondWith(t, bus.ClientURL(), func(cmd dispatcher.IPCCommand) dispatcher.IPCReply {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(cmd.Payload, &req)
		return dispatcher.IPCReply{OK: true, ID: req.ID, Status: &dispatcher.RunStatus{
			Run: &analysis.Run{ID: req.ID, Target: "https://example.com", Status: analysis.RunCompleted, Progress: 100},
			PerWorker: map[analysis.WorkerKind]dispatcher.TaskView{
				analysis.KindLink: {Kind: analysis.KindLink, Status: analysis.TaskCompleted, Attempt: 1},
			},
			Outcome: dispatcher.OutcomeSucceeded,
		}}
	})

	resp, err := sendIPC(client, "status", map[string]string{"id": "run-9"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Status == nil || resp.Status.Run.ID != "run-9" {
		t.Fatalf("unexpected status: %+v", resp.Status)
	}

	var out bytes.Buffer
	printStatus(&out, resp.Status)
	if !strings.Contains(out.String(), "run-9") || !strings.Contains(out.String(), "link") {
		t.Errorf("printStatus output missing fields:\n%s", out.String())
	}
}

func TestSendIPCErrorResponse(t *testing.T) {
	bus, client := startTestNATS(t)

	respondWith(t, bus.ClientURL(), func(dispatcher.IPCCommand) dispatcher.IPCReply {
		return dispatcher.IPCReply{Error: "run not found"}
	})

	resp, err := sendIPC(client, "cancel", map[string]string{"id": "nonexistent"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Error != "run not found" {
		t.Errorf("expected error 'run not found', got %q", resp.Error)
	}
}

func TestWatchStopsOnTerminalEvent(t *testing.T) {
	_, client := startTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		last analysis.EventType
		err  error
	}
	var out bytes.Buffer
	done := make(chan result, 1)
	go func() {
		last, err := watch(ctx, client, "run-1", &out)
		done <- result{last, err}
	}()
	// Give watch time to register its subscription.
	time.Sleep(200 * time.Millisecond)

	events := []analysis.ProgressEvent{
		{RunID: "run-1", Type: analysis.EventAgentProgress, Sequence: 1, Payload: map[string]any{"kind": "link"}},
		{RunID: "run-1", Type: analysis.EventRunCompleted, Sequence: 2},
		{RunID: "run-1", Type: analysis.EventAgentProgress, Sequence: 3},
	}
	for _, ev := range events {
		if err := client.PublishJSON(natsbus.TopicRunEvents("run-1"), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("watch: %v", r.err)
		}
		if r.last != analysis.EventRunCompleted {
			t.Errorf("last event = %s, want run_completed", r.last)
		}
	case <-ctx.Done():
		t.Fatal("watch did not return")
	}
	if strings.Count(out.String(), "\n") != 2 {
		t.Errorf("expected 2 printed events, got:\n%s", out.String())
	}
}

func TestWatchHonorsContext(t *testing.T) {
	_, client := startTestNATS(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := watch(ctx, client, "run-1", &bytes.Buffer{}); err == nil {
		t.Fatal("expected context error")
	}
}
