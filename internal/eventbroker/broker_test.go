package eventbroker

import "testing"

func TestPublishDeliversInOrderToAllSubscribers(t *testing.T) {
	b := New()
	var gotA, gotB []string

	subA := b.Subscribe(func(evt Event) { gotA = append(gotA, evt.Kind()) }, nil, false)
	defer subA.Unsubscribe()
	subB := b.Subscribe(func(evt Event) { gotB = append(gotB, evt.Kind()) }, nil, false)
	defer subB.Unsubscribe()

	b.Publish(&TaskAdded{TaskID: "t1"})
	b.Publish(&TaskRemoved{TaskID: "t1"})

	want := []string{"TaskAdded", "TaskRemoved"}
	for _, got := range [][]string{gotA, gotB} {
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSubscribeFilterByKind(t *testing.T) {
	b := New()
	var got []string

	sub := b.Subscribe(func(evt Event) { got = append(got, evt.Kind()) }, []string{"JobAdded"}, false)
	defer sub.Unsubscribe()

	b.Publish(&TaskAdded{TaskID: "t1"})
	b.Publish(&JobAdded{JobID: "j1"})

	if len(got) != 1 || got[0] != "JobAdded" {
		t.Errorf("got %v, want only JobAdded delivered", got)
	}
}

func TestOneShotSubscriptionFiresOnce(t *testing.T) {
	b := New()
	count := 0

	b.Subscribe(func(evt Event) { count++ }, nil, true)

	b.Publish(&TaskAdded{TaskID: "t1"})
	b.Publish(&TaskAdded{TaskID: "t2"})

	if count != 1 {
		t.Errorf("handler fired %d times, want exactly 1 for a one-shot subscription", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0

	sub := b.Subscribe(func(evt Event) { count++ }, nil, false)
	b.Publish(&TaskAdded{TaskID: "t1"})
	sub.Unsubscribe()
	b.Publish(&TaskAdded{TaskID: "t2"})

	if count != 1 {
		t.Errorf("handler fired %d times after unsubscribe, want 1", count)
	}

	// Unsubscribing twice must not panic.
	sub.Unsubscribe()
}

func TestPublishStampsSequenceAndTimestamp(t *testing.T) {
	b := New()
	var first, second *TaskAdded

	b.Subscribe(func(evt Event) {
		ta := evt.(*TaskAdded)
		if first == nil {
			first = ta
		} else {
			second = ta
		}
	}, nil, false)

	b.Publish(&TaskAdded{TaskID: "t1"})
	b.Publish(&TaskAdded{TaskID: "t2"})

	if first.Seq == 0 || second.Seq == 0 {
		t.Fatal("expected non-zero sequence numbers")
	}
	if second.Seq <= first.Seq {
		t.Errorf("second.Seq = %d, want > first.Seq = %d", second.Seq, first.Seq)
	}
	if first.Timestamp.IsZero() || second.Timestamp.IsZero() {
		t.Error("expected Timestamp to be stamped on publish")
	}
}
