package ratewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Flag is a burst finding handed to the monitoring collaborator.
type Flag struct {
	ClassID   int64         `json:"class_id"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"-"`
	WindowMS  int64         `json:"window_ms"`
	At        time.Time     `json:"at"`
}

// Reporter delivers a Flag for review.
type Reporter interface {
	Report(ctx context.Context, f Flag) error
}

// LogReporter writes flags to the structured log.
type LogReporter struct {
	Log *slog.Logger
}

func (r LogReporter) Report(_ context.Context, f Flag) error {
	r.Log.Warn("ratewatch.burst.flagged",
		"class_id", f.ClassID,
		"count", f.Count,
		"threshold", f.Threshold,
		"window_ms", f.WindowMS,
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes flags as JSON, keyed by class id so one class's
// findings stay ordered on a partition.
type KafkaReporter struct {
	w messageWriter
}

// NewKafkaReporter builds an async, batching writer for topic.
func NewKafkaReporter(brokers []string, topic string, log *slog.Logger) *KafkaReporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
	}
	if log != nil {
		w.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn("ratewatch.kafka.error", "detail", fmt.Sprintf(msg, args...))
		})
	}
	return &KafkaReporter{w: w}
}

func (r *KafkaReporter) Report(ctx context.Context, f Flag) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(f.ClassID, 10)),
		Value: b,
		Time:  f.At,
	})
}

// Close flushes pending async writes.
func (r *KafkaReporter) Close() error { return r.w.Close() }
