package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked []int64
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "wallet.adjustments" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func claimOf(msgs ...*sarama.ConsumerMessage) *stubClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &stubClaim{msgCh: ch}
}

// offsetHandler fails each offset the configured number of times.
type offsetHandler struct {
	failures map[int64]int
	calls    map[int64]int
}

func (h *offsetHandler) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	if h.calls == nil {
		h.calls = make(map[int64]int)
	}
	h.calls[msg.Offset]++
	if h.calls[msg.Offset] <= h.failures[msg.Offset] {
		return errors.New("db unavailable")
	}
	return nil
}

func newTestHandler(h MessageHandler, dlq Publisher, maxAttempts int) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:      h,
		logger:       logging.Discard(),
		dlqPublisher: dlq,
		dlqTopic:     "wallet.adjustments.dlq",
		maxAttempts:  maxAttempts,
		retryBackoff: time.Millisecond,
	}
}

func TestConsumerGroupHandlerDLQsOnError(t *testing.T) {
	dlq := &stubPublisher{}
	env, _ := NewEnvelope(EventTypeAdjustmentRequested, 1, "")
	value, _ := json.Marshal(env)
	calls := 0
	handler := newTestHandler(handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
		calls++
		return DLQ(errors.New("decode failed"), ReasonInvalidEvent)
	}), dlq, 3)

	session := &stubSession{ctx: context.Background()}
	claim := claimOf(&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 1, Value: value})

	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected permanent failure to be handled once, got %d", calls)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected message to be marked, got %v", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	dl, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if dl.Stage != StageConsume || dl.Reason != ReasonInvalidEvent || dl.OriginalTopic != "wallet.adjustments" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if dl.EventID != env.EventID || dl.EventType != EventTypeAdjustmentRequested {
		t.Fatalf("expected envelope fields in dead letter, got %+v", dl)
	}
}

func TestConsumerGroupHandlerRetriesBeforeLaterOffsets(t *testing.T) {
	dlq := &stubPublisher{}
	h := &offsetHandler{failures: map[int64]int{7: 1}}
	handler := newTestHandler(h, dlq, 3)

	session := &stubSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 7},
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 8},
	)
	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if h.calls[7] != 2 || h.calls[8] != 1 {
		t.Fatalf("unexpected handler calls %v", h.calls)
	}
	if len(session.marked) != 2 || session.marked[0] != 7 || session.marked[1] != 8 {
		t.Fatalf("expected offsets 7 then 8 marked, got %v", session.marked)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dlq.calls))
	}
}

func TestConsumerGroupHandlerDeadLettersAfterMaxAttempts(t *testing.T) {
	dlq := &stubPublisher{}
	h := &offsetHandler{failures: map[int64]int{7: 100}}
	handler := newTestHandler(h, dlq, 3)

	session := &stubSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 7, Value: []byte("{}")},
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 8},
	)
	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if h.calls[7] != 3 || h.calls[8] != 1 {
		t.Fatalf("unexpected handler calls %v", h.calls)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlq.calls))
	}
	dl := dlq.calls[0].value.(DeadLetter)
	if dl.Offset != 7 || dl.Attempts != 3 || dl.Reason != ReasonMaxAttempts {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if len(session.marked) != 2 || session.marked[0] != 7 {
		t.Fatalf("expected 7 marked only after dead-lettering, got %v", session.marked)
	}
}

func TestConsumerGroupHandlerStopsWhenDeadLetterFails(t *testing.T) {
	dlq := &stubPublisher{err: errors.New("broker down")}
	h := &offsetHandler{failures: map[int64]int{7: 100}}
	handler := newTestHandler(h, dlq, 2)

	session := &stubSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 7},
		&sarama.ConsumerMessage{Topic: "wallet.adjustments", Offset: 8},
	)
	if err := handler.ConsumeClaim(session, claim); err == nil {
		t.Fatalf("expected claim to stop with an error")
	}
	if len(session.marked) != 0 {
		t.Fatalf("expected nothing marked, got %v", session.marked)
	}
	if h.calls[8] != 0 {
		t.Fatalf("expected offset 8 not to be handled, got %d calls", h.calls[8])
	}
}

func TestConsumerGroupHandlerKeepsExhaustedMessageWithoutDLQ(t *testing.T) {
	h := &offsetHandler{failures: map[int64]int{7: 100}}
	handler := newTestHandler(h, nil, 2)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 7})); err == nil {
		t.Fatalf("expected error for exhausted message without dlq")
	}
	if len(session.marked) != 0 {
		t.Fatalf("expected message to stay unmarked, got %v", session.marked)
	}
}

func TestConsumerGroupHandlerStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &offsetHandler{failures: map[int64]int{7: 100}}
	handler := newTestHandler(h, &stubPublisher{}, 5)
	handler.retryBackoff = time.Hour

	session := &stubSession{ctx: ctx}
	err := handler.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 7}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if len(session.marked) != 0 || h.calls[7] != 1 {
		t.Fatalf("unexpected state marked=%v calls=%v", session.marked, h.calls)
	}
}

func TestConsumerGroupHandlerMarksSuccess(t *testing.T) {
	handler := newTestHandler(handlerFunc(func(context.Context, *sarama.ConsumerMessage) error { return nil }), nil, 3)
	session := &stubSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Offset: 1},
		&sarama.ConsumerMessage{Offset: 2},
	)
	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if len(session.marked) != 2 {
		t.Fatalf("expected 2 marked, got %v", session.marked)
	}
}
