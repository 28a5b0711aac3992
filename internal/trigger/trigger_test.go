package trigger

import (
	"testing"
	"time"
)

func TestIntervalTriggerFiresStrictlyIncreasing(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewIntervalTrigger(time.Minute, start)

	first, ok := tr.Next()
	if !ok || !first.Equal(start) {
		t.Fatalf("first = %v, %v, want %v, true", first, ok, start)
	}
	second, ok := tr.Next()
	if !ok || !second.Equal(start.Add(time.Minute)) {
		t.Fatalf("second = %v, %v, want %v, true", second, ok, start.Add(time.Minute))
	}
}

func TestIntervalTriggerZeroIntervalIsExhausted(t *testing.T) {
	tr := NewIntervalTrigger(0, time.Now())
	if _, ok := tr.Next(); ok {
		t.Error("expected a zero interval to never fire")
	}
}

func TestDateTriggerFiresOnce(t *testing.T) {
	runAt := time.Now().Add(time.Hour)
	tr := NewDateTrigger(runAt)

	got, ok := tr.Next()
	if !ok || !got.Equal(runAt) {
		t.Fatalf("first Next() = %v, %v, want %v, true", got, ok, runAt)
	}
	if _, ok := tr.Next(); ok {
		t.Error("expected DateTrigger to be exhausted after firing once")
	}
}

func TestIntervalTriggerEncodeDecodeRoundtrips(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewIntervalTrigger(5*time.Minute, start)
	tr.Next() // advance the cursor so the roundtrip isn't trivially the zero value

	kind, data, err := Encode(tr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if kind != KindInterval {
		t.Errorf("kind = %q, want %q", kind, KindInterval)
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

func TestDateTriggerEncodeDecodeRoundtrips(t *testing.T) {
	runAt := time.Now().Add(time.Hour).Truncate(time.Second)
	tr := NewDateTrigger(runAt)

	kind, data, err := Encode(tr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(kind, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.Next()
	if !ok || !got.Equal(runAt) {
		t.Errorf("decoded Next() = %v, %v, want %v, true", got, ok, runAt)
	}
}

func TestDecodeUnknownKindFails(t *testing.T) {
	if _, err := Decode("nonsense", []byte("{}")); err == nil {
		t.Error("expected an error for an unknown trigger kind")
	}
}
