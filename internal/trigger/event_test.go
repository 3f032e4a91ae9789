package trigger

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEventValid(t *testing.T) {
	data := []byte(`{
		"id": "e1",
		"source": "EMAIL",
		"user_id": "u1",
		"occurred_at": "2026-08-30T12:00:00Z",
		"payload": {
			"sender": "alice@example.com",
			"subject": "Task",
			"body": "Create a GitHub issue titled X",
			"thread_id": "t-99"
		}
	}`)

	evt, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.ID != "e1" || evt.UserID != "u1" || evt.Source != SourceEmail {
		t.Errorf("event = %+v", evt)
	}
	if evt.Payload.ThreadID != "t-99" {
		t.Errorf("ThreadID = %q", evt.Payload.ThreadID)
	}
}

func TestParseEventMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing id", `{"user_id":"u1","payload":{"body":"hi"}}`},
		{"missing user", `{"id":"e1","payload":{"body":"hi"}}`},
		{"empty body", `{"id":"e1","user_id":"u1","payload":{"body":"   "}}`},
		{"no payload", `{"id":"e1","user_id":"u1"}`},
	}

	for _, tc := range cases {
		_, err := ParseEvent([]byte(tc.data))
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Errorf("%s: err = %v, want *MalformedEventError", tc.name, err)
		}
	}
}

func TestMalformedErrorCarriesEventID(t *testing.T) {
	_, err := ParseEvent([]byte(`{"id":"e7","user_id":"","payload":{"body":"x"}}`))
	var malformed *MalformedEventError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v", err)
	}
	if malformed.EventID != "e7" {
		t.Errorf("EventID = %q, want e7", malformed.EventID)
	}
}

func TestInstructionIncludesContext(t *testing.T) {
	evt := Event{
		ID:     "e1",
		UserID: "u1",
		Payload: Payload{
			Sender:  "alice@example.com",
			Subject: "Weekly report",
			Body:    "Summarize the attached numbers",
		},
	}

	in := evt.Instruction()
	for _, want := range []string{"alice@example.com", "Weekly report", "Summarize the attached numbers"} {
		if !strings.Contains(in, want) {
			t.Errorf("Instruction missing %q:\n%s", want, in)
		}
	}
}
