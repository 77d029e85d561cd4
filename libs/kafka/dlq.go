package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	ReasonInvalidEvent  = "invalid_event"
	ReasonMaxAttempts   = "max_attempts"
	ReasonPublishFailed = "publish_failed"

	StageConsume = "consume"
	StagePublish = "publish"
)

type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DLQ marks err as permanent: the consumer dead-letters the message instead of
// retrying it.
func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic for a message
// that could not be consumed or published.
type DeadLetter struct {
	Stage         string    `json:"stage"`
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition,omitempty"`
	Offset        int64     `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	Payload       string    `json:"payload_base64"`
	FailedAt      time.Time `json:"failed_at"`
}

func consumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:         StageConsume,
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Reason:        err.Reason,
		Error:         causeText(err),
		Attempts:      attempts,
		Payload:       base64.StdEncoding.EncodeToString(msg.Value),
		FailedAt:      time.Now().UTC(),
	}
	var env Envelope
	if json.Unmarshal(msg.Value, &env) == nil {
		dl.EventID, dl.EventType = env.EventID, env.EventType
	}
	return dl
}

func publishDeadLetter(topic, key string, value any, err error) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        ReasonPublishFailed,
		Attempts:      1,
		FailedAt:      time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if ev, ok := value.(Event); ok {
		env := ev.Meta()
		dl.EventID, dl.EventType = env.EventID, env.EventType
	}
	if raw, marshalErr := json.Marshal(value); marshalErr == nil {
		dl.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	return dl
}

func causeText(err *DLQError) string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Error()
}
