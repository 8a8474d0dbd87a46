package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dummy is a Sender for tests and local runs. Each call pops the next
// scripted error (nil means success); with no script it always succeeds.
type Dummy struct {
	mu      sync.Mutex
	script  []error
	Latency time.Duration

	// Sent records the recipients of successful sends, in order.
	Sent []string
}

// NewDummy creates a dummy sender that succeeds for every message.
func NewDummy() *Dummy { return &Dummy{} }

// Fail queues errors to be returned by subsequent Send calls, one each.
func (d *Dummy) Fail(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, errs...)
}

func (d *Dummy) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if d.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Latency):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	d.Sent = append(d.Sent, msg.To)
	return &SendResult{MessageID: "dummy-" + uuid.New().String(), ResponseTimeMs: 1}, nil
}
