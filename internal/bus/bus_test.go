package bus

import (
	"sync"
	"testing"
)

func TestPublishStatus_OrderAndFanOut(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(func(ev StatusEvent) { got = append(got, "a:"+ev.TestStatus) })
	b.Subscribe(func(ev StatusEvent) { got = append(got, "b:"+ev.TestStatus) })

	b.PublishStatus(StatusEvent{TestStatus: StatusOnStart})
	b.PublishStatus(StatusEvent{TestStatus: StatusComplete, Progress: 1})

	want := []string{"a:onstart", "b:onstart", "a:complete", "b:complete"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsubscribe := b.Subscribe(func(StatusEvent) { calls++ })

	b.PublishStatus(StatusEvent{TestStatus: StatusRetrying})
	unsubscribe()
	b.PublishStatus(StatusEvent{TestStatus: StatusRetrying})

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestUnsubscribeFromHandler(t *testing.T) {
	b := New()

	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe(func(StatusEvent) {
		calls++
		unsubscribe()
	})

	b.PublishStatus(StatusEvent{})
	b.PublishStatus(StatusEvent{})

	if calls != 1 {
		t.Errorf("Expected handler to run once, got %d", calls)
	}
}

func TestHistoryIsSeparateFromStatus(t *testing.T) {
	b := New()

	statusCalls, historyCalls := 0, 0
	b.Subscribe(func(StatusEvent) { statusCalls++ })
	b.SubscribeHistory(func(ev HistoryChanged) {
		historyCalls++
		if ev.MeasurementID != 7 {
			t.Errorf("Expected measurement 7, got %d", ev.MeasurementID)
		}
	})

	b.PublishHistory(HistoryChanged{MeasurementID: 7, UUID: "u"})

	if statusCalls != 0 || historyCalls != 1 {
		t.Errorf("Expected 0 status and 1 history call, got %d and %d", statusCalls, historyCalls)
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	b := New()

	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(func(StatusEvent) {
				mu.Lock()
				total++
				mu.Unlock()
			})
		}()
		go func() {
			defer wg.Done()
			b.PublishStatus(StatusEvent{TestStatus: StatusIntervalDownload})
		}()
	}
	wg.Wait()

	// Every handler is now registered, so one more publish reaches all ten
	mu.Lock()
	before := total
	mu.Unlock()

	b.PublishStatus(StatusEvent{})

	mu.Lock()
	defer mu.Unlock()
	if total-before != 10 {
		t.Errorf("Expected 10 deliveries, got %d", total-before)
	}
}
