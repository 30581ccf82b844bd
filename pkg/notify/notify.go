// Package notify defines the outbound notification contract. Delivery is
// best-effort: the approval and emergency state machines never depend on a
// send succeeding, and failures are logged rather than propagated.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notification is one message to a recipient.
type Notification struct {
	RecipientID    string     `json:"recipient_id"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	ActionRequired bool       `json:"action_required"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// Notifier dispatches notifications. Implementations wrap the actual
// channel integration (chat, email); this core only knows the contract.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It throttles
// bursts so reminder sweeps cannot flood the sink.
type LogNotifier struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewLogNotifier creates a notifier logging at most burst notifications
// instantly and perSecond sustained.
func NewLogNotifier(perSecond float64, burst int) *LogNotifier {
	return &LogNotifier{
		logger:  slog.Default().With("component", "notify"),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (n *LogNotifier) Send(ctx context.Context, msg Notification) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "notification dispatched",
		"recipient", msg.RecipientID,
		"title", msg.Title,
		"action_required", msg.ActionRequired,
		"deadline", msg.Deadline)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(ctx context.Context, n Notification) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
