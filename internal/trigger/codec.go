package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags identify which concrete Trigger a serialized blob decodes
// into; they are stored alongside the blob as Schedule.TriggerKind so
// Decode never has to guess.
const (
	KindInterval = "interval"
	KindDate     = "date"
	KindCron     = "cron"
)

type intervalState struct {
	IntervalNs int64     `json:"interval_ns"`
	Next       time.Time `json:"next"`
	Started    bool      `json:"started"`
}

type dateState struct {
	RunAt time.Time `json:"run_at"`
	Fired bool      `json:"fired"`
}

type cronState struct {
	Expr   string    `json:"expr"`
	Cursor time.Time `json:"cursor"`
}

// Encode serializes a Trigger's current state (including cursor
// position, since the scheduler advances it every tick and must
// persist the advance) along with a kind tag identifying how to
// decode it.
func Encode(t Trigger) (kind string, data []byte, err error) {
	switch v := t.(type) {
	case *IntervalTrigger:
		data, err = json.Marshal(intervalState{IntervalNs: int64(v.Interval), Next: v.next, Started: v.started})
		return KindInterval, data, err
	case *DateTrigger:
		data, err = json.Marshal(dateState{RunAt: v.RunAt, Fired: v.fired})
		return KindDate, data, err
	case *CronTrigger:
		data, err = json.Marshal(cronState{Expr: v.expr, Cursor: v.cursor})
		return KindCron, data, err
	default:
		return "", nil, fmt.Errorf("trigger: %T has no registered codec", t)
	}
}

// Decode rebuilds a Trigger from a kind tag and its serialized state.
func Decode(kind string, data []byte) (Trigger, error) {
	switch kind {
	case KindInterval:
		var st intervalState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode interval trigger: %w", err)
		}
		return &IntervalTrigger{Interval: time.Duration(st.IntervalNs), next: st.Next, started: st.Started}, nil
	case KindDate:
		var st dateState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode date trigger: %w", err)
		}
		return &DateTrigger{RunAt: st.RunAt, fired: st.Fired}, nil
	case KindCron:
		var st cronState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode cron trigger: %w", err)
		}
		ct, err := NewCronTrigger(st.Expr, st.Cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cron trigger: %w", err)
		}
		return ct, nil
	default:
		return nil, fmt.Errorf("trigger: unknown kind %q", kind)
	}
}
