package task

import (
	"testing"
	"time"
)

func TestParseRuleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  RuleKind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: RuleCron},
		{name: "prefixed cron", raw: "cron:0 9 * * 1", kind: RuleCron},
		{name: "descriptor", raw: "@hourly", kind: RuleCron},
		{name: "duration", raw: "60s", kind: RuleInterval, every: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: RuleInterval, every: 45 * time.Second},
		{name: "every prefix", raw: "every:2h30m", kind: RuleInterval, every: 2*time.Hour + 30*time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule(tt.raw)
			if err != nil {
				t.Fatalf("ParseRule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == RuleInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseRuleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-rule", "interval:-5s", "cron:"} {
		if _, err := ParseRule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestRuleNextStrictlyAfter(t *testing.T) {
	t.Parallel()
	after := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	r, err := ParseRule("60s")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Next(after); !got.Equal(after.Add(time.Minute)) {
		t.Fatalf("interval Next = %v", got)
	}

	r, err = ParseRule("0 10 * * *")
	if err != nil {
		t.Fatal(err)
	}
	got := r.Next(after)
	if !got.After(after) {
		t.Fatalf("cron Next = %v, not after %v", got, after)
	}
	if got.Hour() != 10 || got.Minute() != 0 {
		t.Fatalf("cron Next = %v, want 10:00", got)
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusTriggered, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusTriggered, StatusPending, true},
		{StatusTriggered, StatusCompleted, true},
		{StatusTriggered, StatusCancelled, true},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusTriggered, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestRescheduleRecurring(t *testing.T) {
	t.Parallel()
	tk, err := New("owner-1", time.Now(), "60s", Payload{Title: "water plants", Channels: []string{"desktop"}})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Kind != KindRecurring {
		t.Fatalf("Kind = %s", tk.Kind)
	}

	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := tk.Transition(StatusTriggered); err != nil {
		t.Fatal(err)
	}
	if err := tk.Reschedule(fired); err != nil {
		t.Fatal(err)
	}

	if tk.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", tk.Status)
	}
	if tk.ExecCount != 1 {
		t.Fatalf("ExecCount = %d", tk.ExecCount)
	}
	gap := tk.NextScheduledAt.Sub(tk.LastExecutedAt)
	if gap != time.Minute {
		t.Fatalf("next - last = %v, want 1m", gap)
	}
	if !tk.NextScheduledAt.After(tk.LastExecutedAt) {
		t.Fatal("NextScheduledAt must be strictly after LastExecutedAt")
	}
}

func TestRescheduleOnceCompletes(t *testing.T) {
	t.Parallel()
	tk, err := New("owner-1", time.Now(), "", Payload{Title: "one off"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Kind != KindOnce {
		t.Fatalf("Kind = %s", tk.Kind)
	}
	if err := tk.Transition(StatusTriggered); err != nil {
		t.Fatal(err)
	}
	if err := tk.Reschedule(time.Now()); err != nil {
		t.Fatal(err)
	}
	if tk.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", tk.Status)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	in := Payload{Title: "standup", Body: "daily sync", Channels: []string{"desktop", "email"}, Source: "goal:42"}
	tk, err := New("owner-2", time.Now(), "", in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tk.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	if out.Title != in.Title || out.Body != in.Body || len(out.Channels) != 2 || out.Source != in.Source {
		t.Fatalf("payload mismatch: %+v", out)
	}
}
