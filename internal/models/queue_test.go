package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewQueueMessage(t *testing.T) {
	msg, err := NewQueueMessage("task.created", map[string]any{"id": 7, "title": "write report"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if msg.ID == "" {
		t.Error("expected a generated message id")
	}
	if msg.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", msg.RetryCount)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if string(msg.Payload) != `{"id":7,"title":"write report"}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}

func TestNewQueueMessage_UnencodablePayload(t *testing.T) {
	if _, err := NewQueueMessage("task.created", make(chan int)); err == nil {
		t.Error("expected an error for a payload that cannot be encoded")
	}
}

func TestQueueMessage_OriginalQueue(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		exp     string
	}{
		{name: "present", payload: `{"originalQueue":"event_queue","id":1}`, exp: "event_queue"},
		{name: "absent", payload: `{"id":1}`, exp: ""},
		{name: "not a string", payload: `{"originalQueue":12}`, exp: ""},
		{name: "array payload", payload: `[1,2,3]`, exp: ""},
		{name: "empty payload", payload: ``, exp: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := QueueMessage{ID: "m1", Payload: json.RawMessage(tt.payload)}
			if got := msg.OriginalQueue(); got != tt.exp {
				t.Errorf("expected %q, got %q", tt.exp, got)
			}
		})
	}
}

func TestQueueMessage_WithOriginalQueue(t *testing.T) {
	t.Run("stamps object payloads", func(t *testing.T) {
		msg := QueueMessage{ID: "m1", Payload: json.RawMessage(`{"id":1}`)}
		got := msg.WithOriginalQueue("task_queue")

		if got.OriginalQueue() != "task_queue" {
			t.Errorf("expected task_queue, got %q", got.OriginalQueue())
		}
		if msg.OriginalQueue() != "" {
			t.Error("original message must not be modified")
		}
	})

	t.Run("keeps an existing origin", func(t *testing.T) {
		msg := QueueMessage{ID: "m1", Payload: json.RawMessage(`{"originalQueue":"event_queue"}`)}
		if got := msg.WithOriginalQueue("retry_queue"); got.OriginalQueue() != "event_queue" {
			t.Errorf("expected event_queue, got %q", got.OriginalQueue())
		}
	})

	t.Run("leaves scalar payloads alone", func(t *testing.T) {
		msg := QueueMessage{ID: "m1", Payload: json.RawMessage(`"hello"`)}
		if got := msg.WithOriginalQueue("task_queue"); string(got.Payload) != `"hello"` {
			t.Errorf("unexpected payload %s", got.Payload)
		}
	})
}

func TestOperationTypeAndStatusValidation(t *testing.T) {
	for _, op := range []OperationType{OpInsert, OpUpdate, OpDelete} {
		if !op.Valid() {
			t.Errorf("expected %s to be valid", op)
		}
	}
	if OperationType("truncate").Valid() {
		t.Error("truncate must not be a valid operation")
	}
	if !StatusRolledBack.Valid() || AuditStatus("pending").Valid() {
		t.Error("unexpected audit status validation result")
	}
}

func TestQueueMessage_UnmarshalTimestamp(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body string
		exp  time.Time
	}{
		{name: "epoch milliseconds", body: `{"id":"m1","type":"task.created","payload":{},"timestamp":1767225600000,"retryCount":2}`, exp: exp},
		{name: "rfc3339", body: `{"id":"m1","type":"task.created","payload":{},"timestamp":"2026-01-01T00:00:00Z","retryCount":2}`, exp: exp},
		{name: "missing", body: `{"id":"m1","type":"task.created","payload":{},"retryCount":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg QueueMessage
			if err := json.Unmarshal([]byte(tt.body), &msg); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !msg.Timestamp.Equal(tt.exp) {
				t.Errorf("received timestamp %s but expected %s", msg.Timestamp, tt.exp)
			}
			if msg.ID != "m1" || msg.Type != "task.created" || msg.RetryCount != 2 || string(msg.Payload) != "{}" {
				t.Errorf("unexpected message %+v", msg)
			}
		})
	}
}

func TestQueueMessage_UnmarshalBadTimestamp(t *testing.T) {
	var msg QueueMessage
	if err := json.Unmarshal([]byte(`{"id":"m1","timestamp":"yesterday"}`), &msg); err == nil {
		t.Error("expected an error for an unparseable timestamp")
	}
}

func TestQueueMessage_RoundTripKeepsTimestamp(t *testing.T) {
	msg, err := NewQueueMessage("event.created", map[string]int{"id": 3})
	if err != nil {
		t.Fatal(err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var got QueueMessage
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Timestamp.Equal(msg.Timestamp) || got.ID != msg.ID {
		t.Errorf("received %+v but expected %+v", got, msg)
	}
}
