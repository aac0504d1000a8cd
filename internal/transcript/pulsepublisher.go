package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
)

// pulsePublisher mirrors every event onto a goa.design/pulse Redis stream
// keyed supervisor/<sprint>/<run_id>. It is purely
// additive fan-out for operators who want to tail a live transcript outside
// the backend's own event log; the backend POST (directPublisher) always
// happens regardless of whether this publisher is configured.
type pulsePublisher struct {
	redis  *redis.Client
	sprint string
}

// NewPulsePublisher constructs a Publisher backed by a Pulse stream per
// sprint/run. addr is a redis "host:port" address; empty addr disables the
// mirror by returning (nil, nil) so callers can treat it as "not configured".
func NewPulsePublisher(addr, sprint string) (Publisher, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &pulsePublisher{redis: client, sprint: sprint}, nil
}

func (p *pulsePublisher) Publish(ctx context.Context, ev Event) error {
	name := fmt.Sprintf("supervisor/%s/%s", p.sprint, ev.RunID)
	stream, err := streaming.NewStream(name, p.redis)
	if err != nil {
		return fmt.Errorf("pulse mirror: open stream %s: %w", name, err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pulse mirror: marshal event: %w", err)
	}
	_, err = stream.Add(ctx, ev.Kind, payload)
	if err != nil {
		return fmt.Errorf("pulse mirror: add to stream %s: %w", name, err)
	}
	return nil
}
