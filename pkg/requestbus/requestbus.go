// Package requestbus ingests transaction requests proposed by the
// scheduler over Kafka and feeds them through the guard pipeline.
package requestbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Submitter is the pipeline surface the runner needs.
type Submitter interface {
	Submit(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, *models.ExecutionResult, error)
}

// DefaultSource tags requests that arrive without one.
const DefaultSource = "scheduler"

// Runner pulls proposed requests off the bus and submits each through
// the pipeline. Malformed messages are logged and skipped; the bus is
// untrusted input so a bad message must never stop the loop.
type Runner struct {
	bus      Consumer
	pipeline Submitter

	// RetryDelay spaces out reads after a bus error.
	RetryDelay time.Duration
	// Now is a testable clock.
	Now func() time.Time
}

func NewRunner(bus Consumer, pipeline Submitter) *Runner {
	return &Runner{
		bus:        bus,
		pipeline:   pipeline,
		RetryDelay: 500 * time.Millisecond,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		msg, err := r.bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("request bus read error: %v", err)
			select {
			case <-time.After(r.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		req, err := r.decode(msg.Value)
		if err != nil {
			log.Printf("request bus decode error: %v", err)
			continue
		}
		verdict, _, err := r.pipeline.Submit(ctx, req)
		if err != nil {
			log.Printf("request bus submit %s: %v", req.ID, err)
			continue
		}
		if !verdict.Approved {
			log.Printf("request bus: request %s from %s not auto-approved (%d violations)",
				req.ID, req.Source, len(verdict.Violations))
		}
	}
}

// decode validates a proposed request. Missing IDs and timestamps are
// filled in; a proposer-supplied USD estimate is cleared so pricing
// stays guard-computed.
func (r *Runner) decode(raw []byte) (models.TransactionRequest, error) {
	var req models.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.TransactionRequest{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if req.Action == "" {
		return models.TransactionRequest{}, fmt.Errorf("request missing action")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = DefaultSource
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.Now()
	}
	req.EstimatedValueUSD = 0
	return req, nil
}
