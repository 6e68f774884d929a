package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/pkg/models"
)

func drain[T any](t *testing.T, sub *Subscription[T]) []Message[T] {
	t.Helper()
	var out []Message[T]
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func seqs[T any](msgs []Message[T]) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop-oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParsePolicy("disconnect")
	require.NoError(t, err)
	assert.Equal(t, Disconnect, p)
	_, err = ParsePolicy("block")
	assert.Error(t, err)
}

func TestPublish_InOrderFromOne(t *testing.T) {
	h := New[string](Options{QueueCapacity: 8})
	defer h.Close()

	sub, err := h.Subscribe("T")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), h.Publish("T", "v1"))
	assert.Equal(t, uint64(2), h.Publish("T", "v2"))
	assert.Equal(t, uint64(3), h.Publish("T", "v3"))

	msgs := drain(t, sub)
	require.Len(t, msgs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(msgs))
	assert.Equal(t, "v1", msgs[0].Payload)
	assert.Equal(t, "T", msgs[2].Topic)
}

func TestPublish_NoSubscribers(t *testing.T) {
	h := New[int](Options{})
	defer h.Close()
	assert.Equal(t, uint64(0), h.Publish("nobody", 1))
	assert.Equal(t, 0, h.TopicCount())
}

func TestPublish_TopicsAreIndependent(t *testing.T) {
	h := New[int](Options{QueueCapacity: 4})
	defer h.Close()

	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")
	h.Publish("a", 1)
	h.Publish("a", 2)
	h.Publish("b", 3)

	assert.Equal(t, []uint64{1, 2}, seqs(drain(t, a)))
	bm := drain(t, b)
	require.Len(t, bm, 1)
	assert.Equal(t, uint64(1), bm[0].Seq)
	assert.Equal(t, 3, bm[0].Payload)
}

func TestDropOldest_SlowSubscriberIsolated(t *testing.T) {
	c := metrics.NewCollector()
	h := New[string](Options{QueueCapacity: 2, Overflow: DropOldest, Metrics: c})
	defer h.Close()

	slow, _ := h.Subscribe("T")
	fast, _ := h.Subscribe("T")

	var got []uint64
	for i := 0; i < 5; i++ {
		h.Publish("T", "x")
		msg := <-fast.C()
		got = append(got, msg.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)

	// The slow subscriber keeps only the newest two, still in order, with
	// the gap visible in Seq.
	slowMsgs := drain(t, slow)
	assert.Equal(t, []uint64{4, 5}, seqs(slowMsgs))
	assert.Equal(t, int64(3), slow.Dropped())
	assert.Equal(t, int64(3), c.Snapshot().Dropped)
}

func TestDisconnect_OverflowClosesWithError(t *testing.T) {
	h := New[int](Options{QueueCapacity: 2, Overflow: Disconnect})
	defer h.Close()

	slow, _ := h.Subscribe("T")
	fast, _ := h.Subscribe("T")

	for i := 1; i <= 3; i++ {
		h.Publish("T", i)
		<-fast.C()
	}

	msgs := drain(t, slow)
	assert.Equal(t, []uint64{1, 2}, seqs(msgs))
	_, open := <-slow.C()
	assert.False(t, open)
	assert.True(t, models.IsKind(slow.Err(), models.ErrSubscriberOverflow))

	assert.Equal(t, 1, h.SubscriberCount("T"))
	h.Publish("T", 4)
	msg := <-fast.C()
	assert.Equal(t, uint64(4), msg.Seq)
}

func TestDisconnect_LastSubscriberDropsTopic(t *testing.T) {
	h := New[int](Options{QueueCapacity: 1, Overflow: Disconnect})
	defer h.Close()

	sub, _ := h.Subscribe("T")
	h.Publish("T", 1)
	h.Publish("T", 2)

	assert.Equal(t, 0, h.TopicCount())
	assert.Error(t, sub.Err())
}

func TestUnsubscribe(t *testing.T) {
	c := metrics.NewCollector()
	h := New[int](Options{Metrics: c})
	defer h.Close()

	sub, _ := h.Subscribe("T")
	assert.Equal(t, int64(1), c.Snapshot().Subscribers)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, h.TopicCount())
	assert.Equal(t, int64(0), c.Snapshot().Subscribers)
	assert.Equal(t, uint64(0), h.Publish("T", 1))
}

func TestMaxSubscribers(t *testing.T) {
	h := New[int](Options{MaxSubscribers: 1})
	defer h.Close()

	_, err := h.Subscribe("T")
	require.NoError(t, err)
	_, err = h.Subscribe("T")
	assert.True(t, errors.Is(err, ErrTooManySubscribers))
	_, err = h.Subscribe("other")
	assert.NoError(t, err)
}

func TestSubscribe_EmptyTopic(t *testing.T) {
	h := New[int](Options{})
	defer h.Close()
	_, err := h.Subscribe("")
	assert.True(t, models.IsKind(err, models.ErrValidation))
}

func TestClose(t *testing.T) {
	h := New[int](Options{})
	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")

	h.Close()
	h.Close()

	for _, sub := range []*Subscription[int]{a, b} {
		_, open := <-sub.C()
		assert.False(t, open)
		assert.ErrorIs(t, sub.Err(), ErrClosed)
	}
	_, err := h.Subscribe("a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, uint64(0), h.Publish("a", 1))
	h.Unsubscribe(a)
}

func TestConcurrentPublishersKeepPerSubscriberOrder(t *testing.T) {
	h := New[int](Options{QueueCapacity: 1024})
	defer h.Close()

	sub, _ := h.Subscribe("T")

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish("T", i)
			}
		}()
	}
	wg.Wait()

	msgs := drain(t, sub)
	require.Len(t, msgs, 800)
	for i := 1; i < len(msgs); i++ {
		require.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
}

func TestPublishDoesNotBlockOnStalledConsumer(t *testing.T) {
	h := New[int](Options{QueueCapacity: 1})
	defer h.Close()
	_, _ = h.Subscribe("T")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish("T", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
}
