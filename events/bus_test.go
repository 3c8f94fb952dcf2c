package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := New(nil)

	var got []int
	bus.Subscribe("download.progress", func(ev Event) {
		got = append(got, ev.Payload.(int))
	})

	for i := 1; i <= 5; i++ {
		bus.Publish("download.progress", i)
	}
	bus.Publish("encode.progress", 99)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestBusWildcardAndUnsubscribe(t *testing.T) {
	bus := New(nil)

	var topics []Topic
	unsub := bus.Subscribe(All, func(ev Event) {
		topics = append(topics, ev.Topic)
	})

	bus.Publish("notify", "a")
	bus.Publish("project.changed", "b")
	unsub()
	unsub()
	bus.Publish("notify", "c")

	assert.Equal(t, []Topic{"notify", "project.changed"}, topics)
}

func TestBusConcurrentPublishers(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var seqs []int64
	bus.Subscribe("x", func(ev Event) {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("x", j)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 400)
	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i], "delivery must follow publication order")
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := New(nil)
	calls := 0
	bus.Subscribe("x", func(Event) { panic("boom") })
	bus.Subscribe("x", func(Event) { calls++ })

	assert.NotPanics(t, func() { bus.Publish("x", nil) })
	assert.Equal(t, 1, calls)
}

func TestBusStream(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Stream(ctx, 4, "notify")
	bus.Publish("notify", "hello")
	bus.Publish("other", "ignored")

	select {
	case ev := <-ch:
		assert.Equal(t, Topic("notify"), ev.Topic)
		assert.Equal(t, "hello", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream should close after cancel")
	}
}
