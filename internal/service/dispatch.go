package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/port/callbackqueue"
	"github.com/Strob0t/SessionForge/internal/port/messagequeue"
	"github.com/Strob0t/SessionForge/internal/port/sessionlookup"

	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
)

// Dispatcher consumes callback jobs from the queue and delivers them to
// the session's callback URL as signed HTTP POSTs. Retry and dead-letter
// handling live in the queue layer: returning an error from the handler
// requeues the message.
type Dispatcher struct {
	queue    messagequeue.Queue
	sessions sessionlookup.Lookup
	client   *http.Client
	cfg      config.Callback
}

// NewDispatcher builds the callback dispatcher worker.
func NewDispatcher(queue messagequeue.Queue, sessions sessionlookup.Lookup, cfg config.Callback) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		sessions: sessions,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
	}
}

// Start subscribes the durable consumer on the callback subject. The
// returned cancel func stops consumption.
func (d *Dispatcher) Start(ctx context.Context) (func(), error) {
	return d.queue.SubscribeDurable(ctx, d.cfg.Consumer, messagequeue.SubjectCallbackDispatch, d.handle)
}

// callbackPayload is the body posted to the callback URL. It mirrors the
// job minus its delivery metadata.
type callbackPayload struct {
	JobID          string    `json:"job_id"`
	SessionID      string    `json:"session_id"`
	ExecutionID    string    `json:"execution_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	LinkedRecordID string    `json:"linked_record_id,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (d *Dispatcher) handle(ctx context.Context, subject string, data []byte) error {
	var job callbackqueue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshal callback job: %w", err)
	}

	ctx, span := otelx.StartDispatchSpan(ctx, job.JobID, job.SessionID)
	defer span.End()

	// A deleted session drops its pending callbacks instead of retrying
	// them into the dead letter queue.
	exists, err := d.sessions.Exists(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("check session %s: %w", job.SessionID, err)
	}
	if !exists {
		slog.Info("dropping callback for deleted session",
			"job_id", job.JobID, "session_id", job.SessionID)
		return nil
	}

	if err := d.deliver(ctx, &job); err != nil {
		slog.Warn("callback delivery failed",
			"job_id", job.JobID, "url", job.URL, "error", err)
		return err
	}
	slog.Info("callback delivered",
		"job_id", job.JobID,
		"session_id", job.SessionID,
		"execution_id", job.ExecutionID,
		"status", job.Status)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *callbackqueue.Job) error {
	body, err := json.Marshal(callbackPayload{
		JobID:          job.JobID,
		SessionID:      job.SessionID,
		ExecutionID:    job.ExecutionID,
		Status:         job.Status,
		Error:          job.Error,
		AgentSessionID: job.AgentSessionID,
		LinkedRecordID: job.LinkedRecordID,
		CompletedAt:    job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SessionForge-Signature", "sha256="+signPayload(d.cfg.SigningSecret, body))
	if job.KeyID != "" {
		req.Header.Set("X-SessionForge-Key-Id", job.KeyID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes the hex HMAC-SHA256 of the body with the shared
// signing secret. Receivers verify it from the signature header.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
