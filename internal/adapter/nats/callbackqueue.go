package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/SessionForge/internal/port/callbackqueue"
	"github.com/Strob0t/SessionForge/internal/port/messagequeue"
)

// CallbackQueue implements callbackqueue.Queue by publishing jobs to the
// callback dispatch subject. The dispatcher worker consumes them.
type CallbackQueue struct {
	queue   *Queue
	subject string
}

// NewCallbackQueue wraps the JetStream queue as a callback job queue.
func NewCallbackQueue(queue *Queue, subject string) *CallbackQueue {
	if subject == "" {
		subject = messagequeue.SubjectCallbackDispatch
	}
	return &CallbackQueue{queue: queue, subject: subject}
}

// Send makes the job durable on the callback subject.
func (c *CallbackQueue) Send(ctx context.Context, job callbackqueue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal callback job %s: %w", job.JobID, err)
	}
	return c.queue.Publish(ctx, c.subject, data)
}
