package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBus_SubscribeOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []string

	unsubA := bus.Subscribe(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+string(e.Type)) })

	bus.Emit(Event{Type: RequestStarted})
	unsubA()
	unsubA() // second call is a no-op
	bus.Emit(Event{Type: RequestEnded})

	want := "a:request_started,b:request_started,b:request_ended"
	if strings.Join(got, ",") != want {
		t.Errorf("expected %s, got %s", want, strings.Join(got, ","))
	}
}

func TestBus_EmitStampsTime(t *testing.T) {
	bus := NewBus()
	var ev Event
	bus.Subscribe(func(e Event) { ev = e })

	bus.Emit(Event{Type: RequestStarted})
	if ev.Time.IsZero() {
		t.Error("expected emit to stamp the event time")
	}
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus
	bus.Emit(Event{Type: RequestStarted})
}

func TestCLIHooks_Level0CollectsSilently(t *testing.T) {
	var buf bytes.Buffer
	collector := NewSessionCollector()
	hooks := NewCLIHooks(0, collector, NewTraceWriterTo(&buf))

	hooks.Handle(Event{Type: RequestStarted, Method: "GET", URL: "https://x/api/models"})
	hooks.Handle(Event{Type: RequestEnded, StatusCode: 200, Duration: time.Millisecond})
	hooks.Handle(Event{Type: RefreshEnded})

	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got: %s", buf.String())
	}
	summary := collector.Summary()
	if summary.TotalRequests != 1 || summary.Refreshes != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestCLIHooks_Level1TracesRefreshAndFailures(t *testing.T) {
	var buf bytes.Buffer
	hooks := NewCLIHooks(1, nil, NewTraceWriterTo(&buf))

	hooks.Handle(Event{Type: RequestStarted, Method: "GET", URL: "https://x/api/models"})
	hooks.Handle(Event{Type: RequestEnded, StatusCode: 200})
	hooks.Handle(Event{Type: RefreshStarted})
	hooks.Handle(Event{Type: RefreshEnded, Duration: 12 * time.Millisecond})
	hooks.Handle(Event{Type: RequestFailed, Method: "GET", URL: "https://x/api/jobs", Err: errors.New("not found")})

	out := buf.String()
	if strings.Contains(out, "->") {
		t.Errorf("request start should not be traced at level 1: %s", out)
	}
	for _, want := range []string{"Refreshing session token", "Token refreshed (12ms)", "ERROR GET https://x/api/jobs: not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output: %s", want, out)
		}
	}
}

func TestCLIHooks_Level2TracesRequests(t *testing.T) {
	var buf bytes.Buffer
	hooks := NewCLIHooks(1, nil, NewTraceWriterTo(&buf))
	hooks.SetLevel(2)
	if hooks.Level() != 2 {
		t.Fatalf("expected level 2, got %d", hooks.Level())
	}

	bus := NewBus()
	unsub := hooks.Attach(bus)
	bus.Emit(Event{Type: RequestStarted, Method: "GET", URL: "https://x/api/models"})
	bus.Emit(Event{Type: RequestEnded, StatusCode: 200, FromCache: true})
	unsub()
	bus.Emit(Event{Type: RequestStarted, Method: "GET", URL: "https://x/after"})

	out := buf.String()
	if !strings.Contains(out, "-> GET https://x/api/models") {
		t.Errorf("expected request start, got: %s", out)
	}
	if !strings.Contains(out, "<- 200 (cached)") {
		t.Errorf("expected cached end, got: %s", out)
	}
	if strings.Contains(out, "/after") {
		t.Errorf("expected no output after unsubscribe, got: %s", out)
	}
}
