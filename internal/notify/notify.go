// Package notify forwards selected swarm events to an operator chat.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

// DefaultEvents are forwarded when no event list is configured.
var DefaultEvents = []string{"agent_failed", "replacement_failed", "backpressure", "topology_switch_failed"}

const sendTimeout = 15 * time.Second

// Sender delivers a text message to a chat. *Telegram satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type Notifier struct {
	sender Sender
	log    *slog.Logger

	mu     sync.RWMutex
	chatID int64
	events map[string]bool
}

func New(sender Sender, cfg config.TelegramConfig, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	events := cfg.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	n := &Notifier{
		sender: sender,
		log:    log,
		chatID: cfg.ChatID,
		events: make(map[string]bool, len(events)),
	}
	for _, e := range events {
		n.events[e] = true
	}
	return n
}

// SetChatID changes the destination chat. Zero disables delivery.
func (n *Notifier) SetChatID(id int64) {
	n.mu.Lock()
	n.chatID = id
	n.mu.Unlock()
}

func (n *Notifier) ChatID() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chatID
}

// Wants reports whether events of this type are forwarded.
func (n *Notifier) Wants(eventType string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.events[eventType] || n.events["*"]
}

// Subscribe forwards swarm events from the bus until the subscription is
// drained.
func (n *Notifier) Subscribe(ctx context.Context, client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicEventsSwarmAll, func(msg *nats.Msg) {
		if err := n.Handle(ctx, msg.Data); err != nil {
			n.log.Warn("notification failed", "subject", msg.Subject, "error", err)
		}
	})
}

// Handle decodes one bus event and sends it if it is wanted.
func (n *Notifier) Handle(ctx context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if !n.Wants(ev.Type) {
		return nil
	}
	chatID := n.ChatID()
	if chatID == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return n.sender.SendMessage(ctx, chatID, Format(ev))
}

// Format renders an event as a one-line operator message.
func Format(ev Event) string {
	d := ev.Data
	switch ev.Type {
	case "agent_failed":
		return fmt.Sprintf("Agent %s (%s) failed: %s", str(d, "agent_id"), str(d, "type"), str(d, "error"))
	case "replacement_failed":
		return fmt.Sprintf("Could not replace agent %s (%s): %s", str(d, "agent_id"), str(d, "type"), str(d, "error"))
	case "agent_replaced":
		return fmt.Sprintf("Agent %s replaced by %s (%s)", str(d, "failed_id"), str(d, "replacement_id"), str(d, "type"))
	case "backpressure":
		return fmt.Sprintf("Swarm at capacity: task %s not staffed (%s agents requested)", str(d, "task_id"), str(d, "requested"))
	case "topology_switch_failed":
		return fmt.Sprintf("Topology switch %s -> %s failed: %s", str(d, "from"), str(d, "to"), str(d, "error"))
	case "topology_changed":
		return fmt.Sprintf("Topology changed: %s -> %s", str(d, "from"), str(d, "to"))
	case "consensus_reached":
		return fmt.Sprintf("Consensus on %s: %s (confidence %s)", str(d, "type"), str(d, "outcome"), str(d, "confidence"))
	case "task_executed":
		return fmt.Sprintf("Scheduled task %q ran: %s", str(d, "name"), str(d, "status"))
	}

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+str(d, k))
	}
	if len(parts) == 0 {
		return ev.Type
	}
	return ev.Type + ": " + strings.Join(parts, " ")
}

func str(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case nil:
		return "?"
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprint(v)
	}
}
