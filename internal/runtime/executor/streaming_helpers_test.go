package executor

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAllEvents(t *testing.T, body string) []rawEvent {
	t.Helper()
	r := newSSEReader(strings.NewReader(body))
	defer r.Close()
	var events []rawEvent
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, ev)
	}
}

func TestSSEReaderEvents(t *testing.T) {
	body := ": keep-alive\n" +
		"event: message_start\n" +
		"data: {\"a\":1}\n\n" +
		"data: {\"b\":\n" +
		"data: 2}\n\n" +
		"\n\n" +
		"data: [DONE]\n\n"

	events := readAllEvents(t, body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != "message_start" || string(events[0].Data) != `{"a":1}` {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != "" || string(events[1].Data) != "{\"b\":\n2}" {
		t.Errorf("event 1 = %q %q", events[1].Type, events[1].Data)
	}
	if !events[2].isDone() {
		t.Errorf("event 2 should be the done marker, got %q", events[2].Data)
	}
}

func TestSSEReaderCRLFAndTrailingEvent(t *testing.T) {
	body := "data: {\"x\":1}\r\n\r\ndata:{\"y\":2}"
	events := readAllEvents(t, body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if string(events[0].Data) != `{"x":1}` || string(events[1].Data) != `{"y":2}` {
		t.Errorf("events = %q, %q", events[0].Data, events[1].Data)
	}
}

func TestSSEReaderBareJSONLines(t *testing.T) {
	events := readAllEvents(t, "{\"candidates\":[]}\n\n{\"candidates\":[1]}\n")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if string(events[1].Data) != `{"candidates":[1]}` {
		t.Errorf("event 1 = %q", events[1].Data)
	}
}

func TestSSEReaderEventWithoutDataIsSkipped(t *testing.T) {
	events := readAllEvents(t, "event: ping\n\nevent: x\ndata: {}\n\n")
	if len(events) != 1 || events[0].Type != "x" {
		t.Fatalf("events = %+v", events)
	}
}

func TestSSEReaderLargeEvent(t *testing.T) {
	big := strings.Repeat("a", 200*1024)
	events := readAllEvents(t, "data: {\"v\":\""+big+"\"}\n\n")
	if len(events) != 1 || len(events[0].Data) != len(big)+8 {
		t.Fatalf("large event not read whole")
	}
}
