package progress

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func newPublisher(buffer, sub int) *Publisher {
	return NewPublisher(config.ProgressConfig{BufferSize: buffer, SubscriberSize: sub}, nil)
}

func drain(t *testing.T, sub *Subscription) []analysis.ProgressEvent {
	t.Helper()
	var out []analysis.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timeout draining subscription")
		}
	}
}

func TestSequenceStartsAtOneAndIncreases(t *testing.T) {
	p := newPublisher(16, 16)
	for i := 1; i <= 3; i++ {
		ev, err := p.Publish("r1", analysis.EventAgentProgress, nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if ev.Sequence != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, ev.Sequence)
		}
	}
	other, _ := p.Publish("r2", analysis.EventAgentProgress, nil)
	if other.Sequence != 1 {
		t.Errorf("sequences must be per run, got %d", other.Sequence)
	}
}

func TestTerminalEventIsLast(t *testing.T) {
	p := newPublisher(16, 16)
	_, _ = p.Publish("r1", analysis.EventAgentCompleted, nil)
	if _, err := p.Publish("r1", analysis.EventRunCompleted, nil); err != nil {
		t.Fatalf("Publish terminal: %v", err)
	}
	_, err := p.Publish("r1", analysis.EventAgentProgress, nil)
	if !errors.Is(err, ErrRunClosed) {
		t.Fatalf("expected ErrRunClosed, got %v", err)
	}

	evs := p.Events("r1", 0)
	if len(evs) != 2 || evs[1].Type != analysis.EventRunCompleted {
		t.Errorf("unexpected log %v", evs)
	}
}

func TestSubscribeReplayThenLive(t *testing.T) {
	p := newPublisher(16, 16)
	_, _ = p.Publish("r1", analysis.EventAgentProgress, map[string]any{"kind": "keyword"})
	_, _ = p.Publish("r1", analysis.EventAgentProgress, map[string]any{"kind": "link"})

	sub := p.Subscribe("r1", 1)
	_, _ = p.Publish("r1", analysis.EventAgentCompleted, nil)
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)

	got := drain(t, sub)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+2) {
			t.Errorf("event %d: seq %d", i, ev.Sequence)
		}
	}
	if sub.Lagged() {
		t.Error("subscription should not be lagged")
	}
}

func TestSubscribeAfterTerminal(t *testing.T) {
	p := newPublisher(16, 16)
	_, _ = p.Publish("r1", analysis.EventAgentProgress, nil)
	_, _ = p.Publish("r1", analysis.EventRunError, nil)

	got := drain(t, p.Subscribe("r1", 0))
	if len(got) != 2 || got[1].Type != analysis.EventRunError {
		t.Errorf("unexpected replay %v", got)
	}
}

func TestSubscribeBeforeFirstEvent(t *testing.T) {
	p := newPublisher(16, 16)
	p.Open("r1")
	sub := p.Subscribe("r1", 0)
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)
	got := drain(t, sub)
	if len(got) != 1 || got[0].Sequence != 1 {
		t.Errorf("unexpected events %v", got)
	}
}

func TestBufferOverflowKeepsTerminal(t *testing.T) {
	p := newPublisher(3, 16)
	for range 5 {
		_, _ = p.Publish("r1", analysis.EventAgentProgress, nil)
	}
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)

	evs := p.Events("r1", 0)
	if len(evs) != 3 {
		t.Fatalf("expected 3 buffered, got %d", len(evs))
	}
	if evs[0].Sequence != 4 || evs[2].Sequence != 6 || evs[2].Type != analysis.EventRunCompleted {
		t.Errorf("unexpected buffer %v", evs)
	}
	if p.LastSequence("r1") != 6 {
		t.Errorf("expected last seq 6, got %d", p.LastSequence("r1"))
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	p := newPublisher(64, 2)
	p.Open("r1")
	sub := p.Subscribe("r1", 0)
	for range 5 {
		_, _ = p.Publish("r1", analysis.EventAgentProgress, nil)
	}

	got := drain(t, sub)
	if !sub.Lagged() {
		t.Fatal("expected lagged subscription")
	}
	if len(got) != 2 {
		t.Errorf("expected 2 delivered before lag, got %d", len(got))
	}

	// Resubscribing from the last seen sequence recovers the rest.
	resub := p.Subscribe("r1", got[len(got)-1].Sequence)
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)
	rest := drain(t, resub)
	if len(rest) != 4 || rest[0].Sequence != 3 || rest[3].Type != analysis.EventRunCompleted {
		t.Errorf("unexpected resubscribe events %v", rest)
	}
}

func TestSubscriptionClose(t *testing.T) {
	p := newPublisher(16, 16)
	p.Open("r1")
	sub := p.Subscribe("r1", 0)
	sub.Close()
	sub.Close()
	if _, err := p.Publish("r1", analysis.EventAgentProgress, nil); err != nil {
		t.Fatalf("publish after detach: %v", err)
	}
	if got := drain(t, sub); len(got) != 0 {
		t.Errorf("closed subscription received %v", got)
	}
}

func TestConcurrentPublishOrdering(t *testing.T) {
	p := newPublisher(1024, 1024)
	p.Open("r1")
	sub := p.Subscribe("r1", 0)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_, _ = p.Publish("r1", analysis.EventAgentProgress, nil)
			}
		}()
	}
	wg.Wait()
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)

	got := drain(t, sub)
	if len(got) != 161 {
		t.Fatalf("expected 161 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("out of order at %d: seq %d", i, ev.Sequence)
		}
	}
}

func TestForget(t *testing.T) {
	p := newPublisher(16, 16)
	p.Open("r1")
	sub := p.Subscribe("r1", 0)
	_, _ = p.Publish("r1", analysis.EventRunCompleted, nil)
	p.Forget("r1")
	drain(t, sub)
	if p.Runs() != 0 {
		t.Errorf("expected no logs, got %d", p.Runs())
	}
	if evs := p.Events("r1", 0); evs != nil {
		t.Errorf("expected nil events, got %v", evs)
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	p := newPublisher(16, 16)
	sub := p.Subscribe("missing", 0)
	if got := drain(t, sub); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
	if sub.Lagged() {
		t.Error("unknown run must not report lag")
	}
	sub.Close()
	if p.Runs() != 0 {
		t.Errorf("subscribe must not create a log, got %d", p.Runs())
	}
	if _, err := p.Publish("missing", analysis.EventAgentProgress, nil); err != nil {
		t.Fatalf("publish after stray subscribe: %v", err)
	}
	if p.Runs() != 1 {
		t.Errorf("expected publish to create the log, got %d", p.Runs())
	}
}

type recordingSink struct {
	mu  sync.Mutex
	seq []uint64
}

func (r *recordingSink) Forward(ev analysis.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, ev.Sequence)
}

func TestSinkReceivesInOrder(t *testing.T) {
	p := newPublisher(16, 16)
	sink := &recordingSink{}
	p.AddSink(sink)
	for range 3 {
		_, _ = p.Publish("r1", analysis.EventAgentProgress, nil)
	}
	if len(sink.seq) != 3 || sink.seq[0] != 1 || sink.seq[2] != 3 {
		t.Errorf("unexpected sink sequences %v", sink.seq)
	}
}

func TestBridgeForwardsToNATS(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus, "progress-test")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	received := make(chan analysis.ProgressEvent, 4)
	_, err = client.Subscribe(natsbus.TopicEventsRuns, func(msg *nats.Msg) {
		var ev analysis.ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			received <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client.Flush()

	p := newPublisher(16, 16)
	p.AddSink(NewBridge(client))
	_, _ = p.Publish("run-42", analysis.EventAgentCompleted, map[string]any{"kind": "geo"})
	client.Flush()

	select {
	case ev := <-received:
		if ev.RunID != "run-42" || ev.Sequence != 1 || ev.Payload["kind"] != "geo" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bridged event")
	}
}
