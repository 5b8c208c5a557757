package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus[int]()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := range 100 {
		bus.Publish(i)
	}

	for want := range 100 {
		select {
		case got := <-ch:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for value %d", want)
		}
	}
}

func TestBusPublishDoesNotBlockOnIdleSubscriber(t *testing.T) {
	bus := NewBus[string]()
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for range 1000 {
			bus.Publish("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
}

func TestBusCloseDrainsThenClosesChannel(t *testing.T) {
	bus := NewBus[int]()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(1)
	bus.Publish(2)
	bus.Close()
	bus.Publish(3)

	var got []int
	for v := range ch {
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2}, got)
}

func TestBusSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewBus[int]()
	bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[int]()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()
	unsubscribe()

	bus.Publish(1)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBusConcurrentPublishersKeepPerSubscriberOrderConsistent(t *testing.T) {
	bus := NewBus[int]()
	first, unsubscribeFirst := bus.Subscribe()
	defer unsubscribeFirst()
	second, unsubscribeSecond := bus.Subscribe()
	defer unsubscribeSecond()

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				bus.Publish(p*1000 + i)
			}
		}()
	}
	wg.Wait()
	bus.Close()

	var a, b []int
	for v := range first {
		a = append(a, v)
	}
	for v := range second {
		b = append(b, v)
	}
	require.Len(t, a, 200)
	require.Equal(t, a, b)
}
