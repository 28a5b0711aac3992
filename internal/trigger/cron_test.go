package trigger

import (
	"testing"
	"time"
)

func TestCronTriggerEveryMinute(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	tr, err := NewCronTrigger("* * * * *", start)
	if err != nil {
		t.Fatalf("NewCronTrigger: %v", err)
	}

	got, ok := tr.Next()
	if !ok {
		t.Fatal("expected a fire time")
	}
	want := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("first fire = %v, want %v", got, want)
	}

	second, _ := tr.Next()
	if !second.Equal(want.Add(time.Minute)) {
		t.Errorf("second fire = %v, want %v", second, want.Add(time.Minute))
	}
}

func TestCronTriggerSpecificHourAndMinute(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewCronTrigger("30 9 * * *", start)
	if err != nil {
		t.Fatalf("NewCronTrigger: %v", err)
	}

	got, ok := tr.Next()
	if !ok {
		t.Fatal("expected a fire time")
	}
	want := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("fire = %v, want %v", got, want)
	}
}

func TestCronTriggerMacroExpansion(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewCronTrigger("@daily", start)
	if err != nil {
		t.Fatalf("NewCronTrigger: %v", err)
	}
	if tr.String() != "0 0 * * *" {
		t.Errorf("String() = %q, want expanded @daily", tr.String())
	}
}

func TestCronTriggerRejectsMalformedExpression(t *testing.T) {
	if _, err := NewCronTrigger("not a cron", time.Now()); err == nil {
		t.Error("expected an error for a malformed cron expression")
	}
	if _, err := NewCronTrigger("70 * * * *", time.Now()); err == nil {
		t.Error("expected an error for an out-of-range minute field")
	}
}

func TestCronTriggerStepAndRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewCronTrigger("0-30/15 * * * *", start)
	if err != nil {
		t.Fatalf("NewCronTrigger: %v", err)
	}

	got, _ := tr.Next()
	want := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("fire = %v, want %v", got, want)
	}
}

func TestCronTriggerEncodeDecodeRoundtrips(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewCronTrigger("0 9 * * *", start)
	if err != nil {
		t.Fatalf("NewCronTrigger: %v", err)
	}
	tr.Next()

	kind, data, err := Encode(tr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if kind != KindCron {
		t.Errorf("kind = %q, want %q", kind, KindCron)
	}

	decoded, err := Decode(kind, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want, _ := tr.Next()
	got, _ := decoded.Next()
	if !got.Equal(want) {
		t.Errorf("decoded trigger's next fire time = %v, want %v", got, want)
	}
}
