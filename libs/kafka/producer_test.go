package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "wallet.dead_letter", logging.Discard())

	env, _ := NewEnvelope(EventTypeBalanceAdjusted, 1, "")
	event := struct {
		Envelope
		Balance string `json:"balance"`
	}{Envelope: env, Balance: "1.5"}
	_, _, err := publisher.PublishJSON(context.Background(), "wallet.balance.adjusted", "key-1", event)
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "wallet.dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	dl, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if dl.Stage != StagePublish || dl.Reason != ReasonPublishFailed || dl.OriginalTopic != "wallet.balance.adjusted" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if dl.EventID != env.EventID || dl.EventType != EventTypeBalanceAdjusted {
		t.Fatalf("expected envelope fields in dead letter, got %+v", dl)
	}
	if dl.Error == "" || dl.Payload == "" {
		t.Fatalf("expected error and payload in dead letter")
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "wallet.dead_letter", logging.Discard())

	if _, _, err := publisher.PublishJSON(context.Background(), "wallet.balance.adjusted", "key-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerPublishesJSON(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"currency":"USD"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	producer := NewSyncProducerFrom(mock, logging.Discard(), nil)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "wallet.balance.adjusted", "u1", map[string]string{"currency": "USD"}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
}

func TestSyncProducerReturnsSendError(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := NewSyncProducerFrom(mock, logging.Discard(), nil)
	defer producer.Close()

	_, _, err := producer.PublishJSON(context.Background(), "wallet.balance.adjusted", "u1", map[string]string{})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestSyncProducerSetsEventHeaders(t *testing.T) {
	env, err := NewEnvelope(EventTypeDiscrepancyDetected, 1, "run-1")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers[HeaderEventID] != env.EventID || headers[HeaderEventType] != EventTypeDiscrepancyDetected {
			return errors.New("missing event headers")
		}
		return nil
	})
	producer := NewSyncProducerFrom(mock, logging.Discard(), nil)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "wallet.reconciliation.discrepancies", "run-1", env); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
}
