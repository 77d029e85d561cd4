package reconcile

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/google/uuid"
)

const DiscrepancyTopic = "wallet.reconciliation.discrepancies"

type DiscrepancyWriter interface {
	InsertDiscrepancies(ctx context.Context, items []storage.Discrepancy) error
}

// StoreSink persists discrepancies so operators can list them later.
type StoreSink struct {
	store DiscrepancyWriter
}

func NewStoreSink(store DiscrepancyWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Alert(ctx context.Context, report Report) error {
	items := make([]storage.Discrepancy, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		items = append(items, storage.Discrepancy{
			ID:        uuid.New(),
			RunID:     report.RunID,
			Currency:  d.Currency,
			External:  d.External,
			Internal:  d.Internal,
			Diff:      d.Diff,
			CheckedAt: d.CheckedAt,
		})
	}
	if err := s.store.InsertDiscrepancies(ctx, items); err != nil {
		return fmt.Errorf("persist discrepancies: %w", err)
	}
	return nil
}

type DiscrepancyEvent struct {
	kafka.Envelope
	RunID         string        `json:"run_id"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// KafkaSink publishes one event per run with discrepancies.
type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaSink(publisher kafka.Publisher, topic string) *KafkaSink {
	if topic == "" {
		topic = DiscrepancyTopic
	}
	return &KafkaSink{publisher: publisher, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Alert(ctx context.Context, report Report) error {
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(kafka.EventTypeDiscrepancyDetected, report.RunID.String()),
		kafka.EventTypeDiscrepancyDetected,
		1,
		report.RunID.String(),
	)
	if err != nil {
		return err
	}
	event := DiscrepancyEvent{
		Envelope:      envelope,
		RunID:         report.RunID.String(),
		Discrepancies: report.Discrepancies,
	}
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, report.RunID.String(), event); err != nil {
		return fmt.Errorf("publish discrepancies: %w", err)
	}
	return nil
}
