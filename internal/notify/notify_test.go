package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func event(t *testing.T, typ string, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleFiltersEvents(t *testing.T) {
	s := &fakeSender{}
	n := New(s, config.TelegramConfig{ChatID: 42}, nil)
	ctx := context.Background()

	if err := n.Handle(ctx, event(t, "agent_failed", map[string]any{"agent_id": "w1", "type": "tester", "error": "oom"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := n.Handle(ctx, event(t, "agents_spawned", map[string]any{"task_id": "t1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(s.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(s.msgs))
	}
	if s.msgs[0].chatID != 42 {
		t.Errorf("chat id = %d", s.msgs[0].chatID)
	}
	if want := "Agent w1 (tester) failed: oom"; s.msgs[0].text != want {
		t.Errorf("text = %q, want %q", s.msgs[0].text, want)
	}
}

func TestHandleConfiguredEventsAndChatID(t *testing.T) {
	s := &fakeSender{}
	n := New(s, config.TelegramConfig{Events: []string{"topology_changed"}}, nil)
	ctx := context.Background()
	ev := event(t, "topology_changed", map[string]any{"from": "mesh", "to": "star"})

	// No chat configured yet
	if err := n.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if len(s.msgs) != 0 {
		t.Fatalf("expected nothing sent without a chat id")
	}

	n.SetChatID(7)
	if err := n.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := n.Handle(ctx, event(t, "agent_failed", nil)); err != nil {
		t.Fatal(err)
	}
	if len(s.msgs) != 1 || s.msgs[0].text != "Topology changed: mesh -> star" {
		t.Fatalf("unexpected messages: %+v", s.msgs)
	}

	if err := n.Handle(ctx, []byte("{")); err == nil {
		t.Error("expected decode error")
	}
}

func TestWildcardEvents(t *testing.T) {
	n := New(&fakeSender{}, config.TelegramConfig{Events: []string{"*"}}, nil)
	if !n.Wants("anything") {
		t.Error("wildcard should match every event")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: "backpressure", Data: map[string]any{"task_id": "t1", "requested": float64(3)}},
			"Swarm at capacity: task t1 not staffed (3 agents requested)"},
		{Event{Type: "topology_switch_failed", Data: map[string]any{"from": "mesh", "to": "ring", "error": "bus down"}},
			"Topology switch mesh -> ring failed: bus down"},
		{Event{Type: "consensus_reached", Data: map[string]any{"type": "deploy", "outcome": "approved", "confidence": 0.875}},
			"Consensus on deploy: approved (confidence 0.88)"},
		{Event{Type: "agent_replaced", Data: map[string]any{"failed_id": "a", "replacement_id": "b", "type": "tester"}},
			"Agent a replaced by b (tester)"},
		{Event{Type: "initialized"}, "initialized"},
		{Event{Type: "shutdown", Data: map[string]any{"workers": float64(2), "errors": float64(0)}},
			"shutdown: errors=0 workers=2"},
	}
	for _, tt := range tests {
		if got := Format(tt.ev); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.ev.Type, got, tt.want)
		}
	}
}

func TestSubscribeOverBus(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer bus.Close()

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	s := &fakeSender{}
	n := New(s, config.TelegramConfig{ChatID: 1}, nil)
	if _, err := n.Subscribe(context.Background(), client); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := client.PublishJSON(natsbus.TopicEventsSwarm("backpressure"), map[string]any{
		"type": "backpressure",
		"data": map[string]any{"task_id": "t9", "requested": 2},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", s.count())
	}
	if !strings.Contains(s.msgs[0].text, "t9") {
		t.Errorf("unexpected text %q", s.msgs[0].text)
	}
}

func TestChunkMessage(t *testing.T) {
	chunks := chunkMessage("hello", maxMessageLen)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	chunks = chunkMessage(strings.Repeat("a", 4096), maxMessageLen)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	chunks = chunkMessage(strings.Repeat("a", 8192), maxMessageLen)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), maxMessageLen)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}
