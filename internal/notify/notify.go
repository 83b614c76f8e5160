// Package notify delivers job lifecycle events to their owner. Delivery is
// best effort and fire-and-forget; the pipeline never blocks on it.
package notify

import "time"

const (
	EventJobCreated   = "job-created"
	EventJobStarted   = "job-started"
	EventJobProgress  = "job-progress"
	EventJobCompleted = "job-completed"
	EventJobFailed    = "job-failed"
	EventJobCancelled = "job-cancelled"
)

type Notifier interface {
	Emit(ownerID, event string, payload map[string]any)
}

// Payload builds the common envelope every lifecycle event carries.
func Payload(jobID string, extra map[string]any) map[string]any {
	p := map[string]any{
		"job_id":    jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// Fanout sends each event to every configured sink.
type Fanout []Notifier

func (f Fanout) Emit(ownerID, event string, payload map[string]any) {
	for _, n := range f {
		n.Emit(ownerID, event, payload)
	}
}

// Discard drops every event. Useful in tests and when no transport is
// configured.
type Discard struct{}

func (Discard) Emit(string, string, map[string]any) {}
