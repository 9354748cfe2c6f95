package upgrade

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestUpgradeDeliversSynchronouslyOnce(t *testing.T) {
	bus := NewBus()
	var got []Request
	unsub := bus.SubscribeUpgrade(func(r Request) { got = append(got, r) })
	defer unsub()

	bus.RequestUpgrade(Request{Reason: ReasonQuota, QuotaKey: "MESSAGES_PER_MONTH"})

	require.Len(t, got, 1, "handler must have run before RequestUpgrade returned")
	assert.Equal(t, ReasonQuota, got[0].Reason)
	assert.Equal(t, "MESSAGES_PER_MONTH", got[0].QuotaKey)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].At.IsZero())
}

func TestRequestUpgradeKeepsCallerIDAndTime(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := NewBus(WithClock(func() time.Time { return fixed.Add(time.Hour) }))
	var got Request
	bus.SubscribeUpgrade(func(r Request) { got = r })

	bus.RequestUpgrade(Request{ID: "req-1", Reason: ReasonFeature, At: fixed})
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, fixed, got.At)

	bus.RequestUpgrade(Request{Reason: ReasonFeature})
	assert.Equal(t, fixed.Add(time.Hour), got.At)
}

func TestSubscribersRunInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.SubscribeUpgrade(func(Request) { order = append(order, i) })
	}
	bus.RequestUpgrade(Request{Reason: ReasonPlan})
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 3, bus.Subscribers())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.SubscribeUpgrade(func(Request) { calls++ })

	bus.RequestUpgrade(Request{Reason: ReasonFeature})
	unsub()
	unsub()
	bus.RequestUpgrade(Request{Reason: ReasonFeature})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestUnsubscribeDuringDeliverySkipsLaterHandler(t *testing.T) {
	bus := NewBus()
	secondCalls := 0
	var unsubSecond func()
	bus.SubscribeUpgrade(func(Request) { unsubSecond() })
	unsubSecond = bus.SubscribeUpgrade(func(Request) { secondCalls++ })

	bus.RequestUpgrade(Request{Reason: ReasonFeature})
	assert.Equal(t, 0, secondCalls)
}

func TestUnsubscribeDoesNotWaitForOtherGoroutines(t *testing.T) {
	bus := NewBus()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	unsub := bus.SubscribeUpgrade(func(Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.RequestUpgrade(Request{Reason: ReasonFeature})
	}()
	<-entered

	unsubscribed := make(chan struct{})
	go func() {
		unsub()
		close(unsubscribed)
	}()
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe blocked on a delivery running elsewhere")
	}

	close(release)
	<-done
	bus.RequestUpgrade(Request{Reason: ReasonFeature})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, bus.Subscribers())
}

func TestPanickingHandlerCountsAsDelivered(t *testing.T) {
	var delivered []int
	bus := NewBus(WithObserver(func(_ Request, n int) { delivered = append(delivered, n) }))
	bus.SubscribeUpgrade(func(Request) { panic("boom") })
	bus.RequestUpgrade(Request{Reason: ReasonPlan})
	assert.Equal(t, []int{1}, delivered)
}

func TestLateSubscriberDoesNotReceivePastEvents(t *testing.T) {
	bus := NewBus()
	bus.RequestUpgrade(Request{Reason: ReasonQuota})

	calls := 0
	bus.SubscribeUpgrade(func(Request) { calls++ })
	assert.Equal(t, 0, calls)
}

func TestNoSubscriberIsDroppedAndObserved(t *testing.T) {
	var delivered []int
	bus := NewBus(WithObserver(func(_ Request, n int) { delivered = append(delivered, n) }))

	assert.NotPanics(t, func() { bus.RequestUpgrade(Request{Reason: ReasonFeature}) })
	bus.SubscribeUpgrade(func(Request) {})
	bus.RequestUpgrade(Request{Reason: ReasonFeature})

	assert.Equal(t, []int{0, 1}, delivered)
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.SubscribeUpgrade(func(Request) { panic("boom") })
	bus.SubscribeUpgrade(func(Request) { calls++ })

	assert.NotPanics(t, func() { bus.RequestUpgrade(Request{Reason: ReasonFeature}) })
	assert.Equal(t, 1, calls)
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.RequestUpgrade(Request{})
		bus.SubscribeUpgrade(func(Request) {})()
	})
	assert.Equal(t, 0, bus.Subscribers())
}

func TestPromptKeepsOnlyLatest(t *testing.T) {
	bus := NewBus()
	var seen []string
	p := NewPrompt(bus, func(r Request) { seen = append(seen, r.Code) })
	defer p.Close()

	_, ok := p.Pending()
	assert.False(t, ok)

	bus.RequestUpgrade(Request{Reason: ReasonFeature, Code: "A"})
	bus.RequestUpgrade(Request{Reason: ReasonFeature, Code: "B"})

	pending, ok := p.Pending()
	require.True(t, ok)
	assert.Equal(t, "B", pending.Code)
	assert.Equal(t, 2, p.Shown())
	assert.Equal(t, []string{"A", "B"}, seen)

	p.Dismiss()
	_, ok = p.Pending()
	assert.False(t, ok)

	p.Close()
	bus.RequestUpgrade(Request{Reason: ReasonFeature, Code: "C"})
	assert.Equal(t, 2, p.Shown())
}
