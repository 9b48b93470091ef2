// ABOUTME: Runner that hands agent runs to remote workers over Kafka
// ABOUTME: Publishes run and abort requests, consumes worker events into the bus

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka-backed runner.
type KafkaConfig struct {
	Brokers      []string
	RequestTopic string
	EventTopic   string
	GroupID      string
}

// Request types published on the request topic.
const (
	RequestRun   = "run"
	RequestAbort = "abort"
)

// RunRequest is the message a worker receives for each run or abort.
type RunRequest struct {
	Type        string       `json:"type"`
	RunID       string       `json:"runId"`
	SessionKey  string       `json:"sessionKey,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	Message     string       `json:"message,omitempty"`
	Thinking    string       `json:"thinking,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TimeoutMs   int64        `json:"timeoutMs,omitempty"`
	Principal   string       `json:"principal,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaRunner publishes run requests keyed by run id and relays the events
// workers publish back. Keying puts every request of a run id on one
// partition, and workers must honour the Runner contract for it: process the
// run requests of a key one at a time, answer an abort (even for a request
// still waiting) with an aborted job event, and end every run with one
// terminal job event. Workers assign event sequence numbers themselves.
type KafkaRunner struct {
	writer messageWriter
	reader messageReader
	bus    *Bus
	logger *slog.Logger
}

// NewKafkaRunner connects a runner to the configured topics.
func NewKafkaRunner(cfg KafkaConfig, bus *Bus, logger *slog.Logger) *KafkaRunner {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.RequestTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.EventTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaRunner(writer, reader, bus, logger)
}

func newKafkaRunner(w messageWriter, r messageReader, bus *Bus, logger *slog.Logger) *KafkaRunner {
	return &KafkaRunner{
		writer: w,
		reader: r,
		bus:    bus,
		logger: logger.With("component", "kafka-runner"),
	}
}

// StartRun publishes a run request. When ctx is later cancelled with
// ErrRunAborted as its cause an abort request follows.
func (k *KafkaRunner) StartRun(ctx context.Context, p RunParams) (string, error) {
	if p.RunID == "" {
		return "", errors.New("run id is required")
	}

	req := RunRequest{
		Type:        RequestRun,
		RunID:       p.RunID,
		SessionKey:  p.SessionKey,
		SessionID:   p.SessionID,
		Message:     p.Message,
		Thinking:    p.Thinking,
		Attachments: p.Attachments,
		TimeoutMs:   p.Timeout.Milliseconds(),
		Principal:   p.Principal,
	}
	if err := k.publish(ctx, req); err != nil {
		return "", fmt.Errorf("publishing run request: %w", err)
	}

	go func() {
		<-ctx.Done()
		if !errors.Is(context.Cause(ctx), ErrRunAborted) {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := k.publish(abortCtx, RunRequest{Type: RequestAbort, RunID: p.RunID}); err != nil {
			k.logger.Warn("publishing abort request failed", "run_id", p.RunID, "error", err)
		}
	}()

	return p.RunID, nil
}

func (k *KafkaRunner) publish(ctx context.Context, req RunRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.RunID),
		Value: value,
		Time:  time.Now(),
	})
}

// Run consumes worker events until ctx is cancelled.
func (k *KafkaRunner) Run(ctx context.Context) error {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("reading agent event failed", "error", err)
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.RunID == "" {
			k.logger.Warn("discarding malformed agent event", "offset", msg.Offset, "error", err)
			continue
		}
		if ev.TS == 0 {
			ev.TS = msg.Time.UnixMilli()
		}

		if err := k.bus.Publish(ctx, ev); err != nil {
			if errors.Is(err, ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close releases the Kafka connections.
func (k *KafkaRunner) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
