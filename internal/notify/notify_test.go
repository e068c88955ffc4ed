package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLog_NewestFirstAndWraps(t *testing.T) {
	l := NewLog(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		l.Notify(ctx, Notification{Type: fmt.Sprintf("n%d", i), EndpointID: "ep"})
	}

	got := l.Entries("", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"n5", "n4", "n3"} {
		if got[i].Type != want {
			t.Errorf("entry %d = %s, want %s", i, got[i].Type, want)
		}
	}
}

func TestLog_FilterAndLimit(t *testing.T) {
	l := NewLog(10)
	ctx := context.Background()
	l.Notify(ctx, Notification{Type: WebhookCreated, EndpointID: "a"})
	l.Notify(ctx, Notification{Type: WebhookCreated, EndpointID: "b"})
	l.Notify(ctx, Notification{Type: WebhookPaused, EndpointID: "a"})
	l.Notify(ctx, Notification{Type: WebhookResumed, EndpointID: "a"})

	got := l.Entries("a", 2)
	if len(got) != 2 || got[0].Type != WebhookResumed || got[1].Type != WebhookPaused {
		t.Errorf("Entries(a, 2) = %+v", got)
	}
	if got := l.Entries("missing", 0); len(got) != 0 {
		t.Errorf("Entries(missing) = %+v, want empty", got)
	}
}

func TestMulti_LogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(5)
	m := Multi{NewLogNotifier(zerolog.New(&buf)), l}

	m.Notify(context.Background(), Notification{
		Type: WebhookDisabled, EndpointID: "ep_1", Reason: ReasonCircuitBreaker,
	})

	if len(l.Entries("ep_1", 0)) != 1 {
		t.Error("log did not receive notification")
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"webhook.disabled"`) || !strings.Contains(out, `"reason":"circuit_breaker"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}
