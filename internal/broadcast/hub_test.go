package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain returns every queued event without blocking. Publish enqueues
// synchronously, so everything published so far is already there.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func isDone(sub *Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

func TestSubscribeAnnouncesOnlineCount(t *testing.T) {
	h := NewHub(nil)

	a := h.Subscribe()
	assert.Equal(t, []Event{{Name: EventOnlineChanged, Data: OnlineChanged{Online: 1}}}, drain(a))

	b := h.Subscribe()
	assert.Equal(t, []Event{{Name: EventOnlineChanged, Data: OnlineChanged{Online: 2}}}, drain(a))
	assert.Equal(t, []Event{{Name: EventOnlineChanged, Data: OnlineChanged{Online: 2}}}, drain(b))
	assert.Equal(t, 2, h.Online())

	h.Unsubscribe(a)
	assert.True(t, isDone(a))
	assert.Equal(t, []Event{{Name: EventOnlineChanged, Data: OnlineChanged{Online: 1}}}, drain(b))
	assert.Equal(t, 1, h.Online())

	h.Unsubscribe(a)
	assert.Empty(t, drain(b), "second unsubscribe is a no-op")
}

// TestPublishFanOut verifies each subscriber gets each event once, in order.
func TestPublishFanOut(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe()
	b := h.Subscribe()
	drain(a)
	drain(b)

	h.Publish("x", map[string]any{})
	h.Publish("y", 1)

	for _, sub := range []*Subscription{a, b} {
		got := drain(sub)
		assert.Equal(t, []string{"x", "y"}, names(got))
		assert.Equal(t, 1, got[1].Data)
	}
}

// TestPublishDropsFullSubscriber verifies a full queue is dropped without
// affecting others and triggers exactly one extra online-changed event.
func TestPublishDropsFullSubscriber(t *testing.T) {
	h := NewHub(nil, WithBufferSize(2))

	var counts []int
	h.OnOnlineChange(func(n int) { counts = append(counts, n) })

	slow := h.Subscribe() // slow: online-changed(1)
	fast := h.Subscribe() // slow: +online-changed(2), now full
	drain(fast)

	h.Publish("x", nil)

	assert.True(t, isDone(slow))
	assert.Equal(t, 1, h.Online())

	got := drain(fast)
	assert.Equal(t, []Event{
		{Name: "x"},
		{Name: EventOnlineChanged, Data: OnlineChanged{Online: 1}},
	}, got)
	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestSocketMirror(t *testing.T) {
	h := NewHub(nil)
	ws := h.SubscribeSocket()
	assert.Equal(t, 1, h.Sockets())
	assert.Equal(t, 0, h.Online(), "sockets are not counted online")

	sse := h.Subscribe()
	h.Publish(EventStatusChanged, map[string]int{"status": 2})

	assert.Equal(t, []string{EventOnlineChanged, EventStatusChanged}, names(drain(ws)))
	assert.Equal(t, []string{EventOnlineChanged, EventStatusChanged}, names(drain(sse)))

	h.UnsubscribeSocket(ws)
	assert.True(t, isDone(ws))
	assert.Equal(t, 0, h.Sockets())
}

func TestSocketDroppedWhenFull(t *testing.T) {
	h := NewHub(nil, WithBufferSize(1))
	ws := h.SubscribeSocket()

	h.Publish("a", nil)
	assert.False(t, isDone(ws))
	h.Publish("b", nil)
	assert.True(t, isDone(ws))
	assert.Equal(t, 0, h.Sockets())
	assert.Equal(t, []string{"a"}, names(drain(ws)))
}

func TestClose(t *testing.T) {
	h := NewHub(nil)

	var last = -1
	h.OnOnlineChange(func(n int) { last = n })

	sse := h.Subscribe()
	ws := h.SubscribeSocket()
	h.Close()

	assert.True(t, isDone(sse))
	assert.True(t, isDone(ws))
	assert.Equal(t, 0, last)
	assert.Equal(t, 0, h.Online())

	late := h.Subscribe()
	require.True(t, isDone(late))
	assert.Equal(t, 0, h.Online())

	h.Publish("x", nil) // no panic after close
	h.Close()
}

func TestNotifySkipsStaleCounts(t *testing.T) {
	h := NewHub(nil)
	var counts []int
	observers := []func(int){func(n int) { counts = append(counts, n) }}

	h.notify(2, observers, 5)
	h.notify(1, observers, 3)
	h.notify(3, observers, 4)
	assert.Equal(t, []int{5, 4}, counts)
}

func TestObserversEndOnCurrentCount(t *testing.T) {
	h := NewHub(nil, WithBufferSize(4096))
	var (
		mu   sync.Mutex
		last = -1
	)
	h.OnOnlineChange(func(n int) {
		mu.Lock()
		last = n
		mu.Unlock()
	})

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		subs := make(chan *Subscription, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				subs <- h.Subscribe()
			}()
		}
		wg.Wait()
		close(subs)

		var unsub sync.WaitGroup
		kept := 0
		for sub := range subs {
			if kept < 3 {
				kept++
				continue
			}
			unsub.Add(1)
			go func(sub *Subscription) {
				defer unsub.Done()
				h.Unsubscribe(sub)
			}(sub)
		}
		unsub.Wait()

		mu.Lock()
		got := last
		mu.Unlock()
		require.Equal(t, h.Online(), got, "round %d", round)
	}
}
