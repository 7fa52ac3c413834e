package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)

	got := make(chan Event, 2)
	handler := func(e Event) {
		got <- e
		wg.Done()
	}
	b.Subscribe(EventTypeMemberState, handler)
	b.Subscribe(EventTypeMemberState, handler)
	b.Subscribe(EventTypeGroupCommand, func(Event) { t.Error("unexpected group command") })

	ok := b.Publish(Event{Type: EventTypeMemberState, Source: "mqtt", Key: "light.a"})
	require.True(t, ok)

	wg.Wait()
	e := <-got
	assert.Equal(t, "light.a", e.Key)
	assert.Equal(t, "mqtt", e.Source)
}

func TestBus_SameKeyRunsInOrder(t *testing.T) {
	b := NewWithConfig(4, 100)
	defer b.Close(context.Background())

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	b.Subscribe(EventTypeMemberCommand, func(e Event) {
		n := e.Payload.(int)
		if n == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, n)
		if len(order) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		require.True(t, b.Publish(Event{Type: EventTypeMemberCommand, Key: "light.a", Payload: i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	b := NewWithConfig(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.Subscribe(EventTypeMemberCommand, func(Event) {
		once.Do(func() { close(started) })
		<-release
	})

	require.True(t, b.Publish(Event{Type: EventTypeMemberCommand, Key: "1"}))
	<-started // the only worker is now busy

	assert.True(t, b.Publish(Event{Type: EventTypeMemberCommand, Key: "2"}), "fits in the queue")
	assert.False(t, b.Publish(Event{Type: EventTypeMemberCommand, Key: "3"}), "queue full")

	close(release)
	b.Close(context.Background())
}

func TestBus_RecoversFromPanics(t *testing.T) {
	b := NewWithConfig(1, 10)
	defer b.Close(context.Background())

	done := make(chan string, 1)
	b.Subscribe(EventTypeGroupCommand, func(e Event) {
		if e.Key == "boom" {
			panic("handler failure")
		}
		done <- e.Key
	})

	b.Publish(Event{Type: EventTypeGroupCommand, Key: "boom"})
	b.Publish(Event{Type: EventTypeGroupCommand, Key: "living_room"})

	select {
	case key := <-done:
		assert.Equal(t, "living_room", key)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New()
	b.Subscribe(EventTypeMemberState, func(Event) {})
	b.Close(context.Background())
	b.Close(context.Background())

	assert.False(t, b.Publish(Event{Type: EventTypeMemberState}))
}

func TestBus_Clear(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	b.Subscribe(EventTypeMemberState, func(Event) { t.Error("handler should be cleared") })
	b.Clear()

	assert.True(t, b.Publish(Event{Type: EventTypeMemberState}))
}
