package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// receive reads n events from sub or fails the test after a timeout.
func receive(t *testing.T, sub *Subscription, n int) []model.Event {
	t.Helper()

	got := make([]model.Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed after %d events", len(got))
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPublishStampsSequenceAndTime(t *testing.T) {
	b := NewBus()
	defer b.Close()

	first := b.Publish(model.Event{Kind: model.EventWorktreeCreating})
	second := b.Publish(model.Event{Kind: model.EventWorktreeCreated})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.Time.IsZero())
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 100; i++ {
		b.Publish(model.Event{Kind: model.EventSessionRunning, SessionID: model.SessionID(fmt.Sprint(i))})
	}

	got := receive(t, sub, 100)
	for i, ev := range got {
		assert.Equal(t, model.SessionID(fmt.Sprint(i)), ev.SessionID)
	}
}

// TestPerEntityOrderUnderConcurrentPublishers checks that events for one
// entity keep their relative order even when many goroutines publish for
// different entities at the same time.
func TestPerEntityOrderUnderConcurrentPublishers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	const entities, perEntity = 8, 50
	var wg sync.WaitGroup
	for e := 0; e < entities; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			for i := 0; i < perEntity; i++ {
				b.Publish(model.Event{
					SessionID: model.SessionID(fmt.Sprint(e)),
					Err:       fmt.Sprint(i),
				})
			}
		}(e)
	}
	wg.Wait()

	next := make(map[model.SessionID]int)
	var lastSeq uint64
	for _, ev := range receive(t, sub, entities*perEntity) {
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		assert.Equal(t, fmt.Sprint(next[ev.SessionID]), ev.Err)
		next[ev.SessionID]++
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus()
	defer b.Close()

	slow := b.Subscribe() // never read until the end
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(model.Event{Kind: model.EventWorktreeStatusChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	got := receive(t, slow, 1000)
	assert.Equal(t, uint64(1000), got[999].Seq)
}

func TestCloseClosesChannels(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()

	b.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after Close must not panic.
	b.Publish(model.Event{})
	late := b.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	b.Publish(model.Event{})
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
