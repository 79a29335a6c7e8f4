package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// OriginalQueueKey is the payload field the retry router reads to send a message back home
const OriginalQueueKey = "originalQueue"

// QueueMessage is the unit of work traveling through the broker.
// The ID is stable across retries; RetryCount is only ever incremented by the retry coordinator
type QueueMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// NewQueueMessage builds a fresh message with a random ID and RetryCount 0
func NewQueueMessage(msgType string, payload any) (QueueMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return QueueMessage{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}

	return QueueMessage{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// UnmarshalJSON accepts the timestamp either as RFC 3339 text or as a number of
// milliseconds since the epoch, which is what JavaScript producers send
func (m *QueueMessage) UnmarshalJSON(data []byte) error {
	type plain QueueMessage
	aux := struct {
		*plain
		Timestamp json.RawMessage `json:"timestamp"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid message timestamp: %w", err)
	}
	m.Timestamp = ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return t, err
	}

	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// OriginalQueue returns the queue recorded in the payload, or "" when the payload
// is not an object or carries no such field
func (m QueueMessage) OriginalQueue() string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return ""
	}

	raw, ok := fields[OriginalQueueKey]
	if !ok {
		return ""
	}

	var queue string
	if err := json.Unmarshal(raw, &queue); err != nil {
		return ""
	}
	return queue
}

// WithOriginalQueue returns a copy whose payload records queue as its origin.
// An existing origin is kept, and non-object payloads are returned untouched
func (m QueueMessage) WithOriginalQueue(queue string) QueueMessage {
	if queue == "" || m.OriginalQueue() != "" {
		return m
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil || fields == nil {
		return m
	}

	encoded, _ := json.Marshal(queue)
	fields[OriginalQueueKey] = encoded

	payload, err := json.Marshal(fields)
	if err != nil {
		return m
	}

	m.Payload = payload
	return m
}
