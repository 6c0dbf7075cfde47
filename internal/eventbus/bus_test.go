package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: EntryEnqueued, Data: "reminder:1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, EntryEnqueued, e.Type)
			assert.False(t, e.Time.IsZero(), "publish time stamped")
		case <-time.After(time.Second):
			require.FailNow(t, "event not delivered")
		}
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobFinished})

	assert.Equal(t, JobStarted, (<-ch).Type)
	select {
	case e := <-ch:
		assert.Fail(t, "unexpected buffered event", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok, "channel closed")
	// Publishing after unsubscribe must not panic.
	assert.NotPanics(t, func() { b.Publish(Event{Type: JobFailed}) })
}
