// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/logger"
	"github.com/Strob0t/SessionForge/internal/port/messagequeue"
)

const (
	headerRequestID  = "Request-Id"
	headerSessionID  = "Session-Id"
	headerRetryCount = "Retry-Count"

	// maxRetries bounds redeliveries before a message moves to the DLQ.
	maxRetries = 3
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream capturing all callback subjects exists.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{"callbacks.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Queue{nc: nc, js: js, stream: cfg.Stream}, nil
}

// Publish sends a message to the given subject, propagating the request
// and session IDs from the context as headers.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if sessID := logger.SessionID(ctx); sessID != "" {
		msg.Header.Set(headerSessionID, sessID)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject with an
// ephemeral consumer.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	return q.subscribe(ctx, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}, handler)
}

// SubscribeDurable registers a handler with a named durable consumer, so
// delivery resumes where it left off after a restart.
func (q *Queue) SubscribeDurable(ctx context.Context, name, subject string, handler messagequeue.Handler) (func(), error) {
	return q.subscribe(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}, handler)
}

// subscribe wires a consumer with schema validation, retry accounting, and
// dead-lettering. Invalid payloads go straight to the DLQ; handler failures
// are requeued with an incremented retry header until maxRetries, then
// dead-lettered.
func (q *Queue) subscribe(ctx context.Context, cfg jetstream.ConsumerConfig, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		subject := msg.Subject()
		data := msg.Data()

		if err := messagequeue.Validate(subject, data); err != nil {
			slog.Error("message failed validation", "subject", subject, "error", err)
			q.moveToDLQ(msg)
			q.ack(msg)
			return
		}

		mctx := context.Background()
		if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
			mctx = logger.WithRequestID(mctx, reqID)
		}
		if sessID := msg.Headers().Get(headerSessionID); sessID != "" {
			mctx = logger.WithSessionID(mctx, sessID)
		}

		if err := handler(mctx, subject, data); err != nil {
			attempt := retryCount(msg.Headers())
			slog.Error("message handler failed", "subject", subject, "attempt", attempt, "error", err)
			if attempt >= maxRetries {
				q.moveToDLQ(msg)
				q.ack(msg)
				return
			}
			if rqErr := q.requeue(msg, attempt+1); rqErr != nil {
				slog.Error("nats requeue failed", "subject", subject, "error", rqErr)
				if nakErr := msg.Nak(); nakErr != nil {
					slog.Error("nats nak failed", "error", nakErr)
				}
				return
			}
			q.ack(msg)
			return
		}
		q.ack(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed", "subject", msg.Subject(), "error", err)
	}
}

// moveToDLQ republishes the message on "<subject>.dlq", headers preserved.
func (q *Queue) moveToDLQ(msg jetstream.Msg) {
	out := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: copyHeader(msg.Headers())}
	if _, err := q.js.PublishMsg(context.Background(), out); err != nil {
		slog.Error("dlq publish failed", "subject", out.Subject, "error", err)
	}
}

// requeue republishes the message on its own subject with the retry header
// set to attempt.
func (q *Queue) requeue(msg jetstream.Msg, attempt int) error {
	out := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: copyHeader(msg.Headers())}
	out.Header.Set(headerRetryCount, strconv.Itoa(attempt))
	_, err := q.js.PublishMsg(context.Background(), out)
	return err
}

func copyHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, vals := range h {
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

// KeyValue creates or opens a JetStream KV bucket with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains subscriptions before closing the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
