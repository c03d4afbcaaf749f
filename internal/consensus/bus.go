package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Gatherer is the scatter/gather half of the bus client.
type Gatherer interface {
	Gather(ctx context.Context, topic string, data []byte, want int, timeout time.Duration) ([]*nats.Msg, error)
}

// BusCollector broadcasts a decision to workers listening on the bus and
// collects their replies until Expected votes arrived or Timeout passed.
type BusCollector struct {
	bus      Gatherer
	expected int
	timeout  time.Duration
	log      *slog.Logger
}

func NewBusCollector(bus Gatherer, expected int, timeout time.Duration, log *slog.Logger) *BusCollector {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BusCollector{bus: bus, expected: expected, timeout: timeout, log: log}
}

func (b *BusCollector) Collect(ctx context.Context, d swarm.Decision) ([]swarm.Vote, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}

	msgs, err := b.bus.Gather(ctx, natsbus.TopicConsensusVote(d.Type), data, b.expected, b.timeout)
	if err != nil {
		return nil, err
	}

	votes := make([]swarm.Vote, 0, len(msgs))
	for _, m := range msgs {
		var v swarm.Vote
		if err := json.Unmarshal(m.Data, &v); err != nil {
			b.log.Warn("discarding malformed vote", "decision", d.ID, "error", err)
			continue
		}
		votes = append(votes, v)
	}
	return votes, nil
}

// Serve answers decisions broadcast on the bus with e's votes. Worker
// processes and the in-memory runtime use it to take part in bus consensus.
func Serve(ctx context.Context, client *natsbus.Client, e Evaluator, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return client.Subscribe(natsbus.TopicConsensusAll, func(msg *nats.Msg) {
		var d swarm.Decision
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Warn("discarding malformed decision", "subject", msg.Subject, "error", err)
			return
		}
		vote, err := e.Evaluate(ctx, d)
		if err != nil {
			log.Warn("evaluate decision failed", "decision", d.ID, "error", err)
			return
		}
		data, err := json.Marshal(vote)
		if err != nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("respond with vote failed", "decision", d.ID, "error", err)
		}
	})
}
