package requestbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(KafkaConfig{Topic: "requests", GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "requests"})
	if err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "requests",
		GroupID: "g1",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerNilGuards(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerReadMessage(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{"action":"swap"}`)}}}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Value) != `{"action":"swap"}` {
			t.Fatalf("unexpected message value: %s", string(msg.Value))
		}
	})
}

type channelBus struct {
	ch chan Message
}

func (b *channelBus) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-b.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (b *channelBus) Close() error { return nil }

type recordingSubmitter struct {
	reqs chan models.TransactionRequest
}

func (s *recordingSubmitter) Submit(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, *models.ExecutionResult, error) {
	s.reqs <- req
	return models.PolicyVerdict{Approved: true, TxRequest: req}, nil, nil
}

func TestRunnerSubmitsDecodedRequests(t *testing.T) {
	bus := &channelBus{ch: make(chan Message, 4)}
	sub := &recordingSubmitter{reqs: make(chan models.TransactionRequest, 4)}
	bus.ch <- Message{Value: []byte(`{invalid json`)}
	bus.ch <- Message{Value: []byte(`{"params":{"amount":1}}`)}
	bus.ch <- Message{Value: []byte(`{"action":"transfer","params":{"amount":1,"token":"ETH"},"estimated_value_usd":12345}`)}

	r := NewRunner(bus, sub)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case req := <-sub.reqs:
		if req.Action != models.ActionTransfer {
			t.Fatalf("unexpected action %q", req.Action)
		}
		if req.ID == "" {
			t.Fatal("missing ID must be filled in")
		}
		if req.Source != DefaultSource {
			t.Fatalf("missing source must default, got %q", req.Source)
		}
		if !req.RequestedAt.Equal(now) {
			t.Fatalf("missing timestamp must be stamped, got %v", req.RequestedAt)
		}
		if req.EstimatedValueUSD != 0 {
			t.Fatal("proposer-supplied value must be cleared")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for submitted request")
	}

	select {
	case req := <-sub.reqs:
		t.Fatalf("malformed messages must be skipped, got %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}
