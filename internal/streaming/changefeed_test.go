package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func change(tenantID string, kind models.ChangeKind) models.ChangeEvent {
	return models.ChangeEvent{
		TenantID:   tenantID,
		EntityID:   uuid.New(),
		EntityKind: models.EntityIndicator,
		Kind:       kind,
	}
}

func changes(tenantID string, n int) []models.ChangeEvent {
	out := make([]models.ChangeEvent, n)
	for i := range out {
		out[i] = change(tenantID, models.ChangeCreated)
	}
	return out
}

// drain reads every item currently queued without blocking
func drain(sub *Subscription) []FeedItem {
	var items []FeedItem
	for {
		select {
		case it, ok := <-sub.Events():
			if !ok {
				return items
			}
			items = append(items, it)
		default:
			return items
		}
	}
}

func seqs(items []FeedItem) []uint64 {
	var out []uint64
	for _, it := range items {
		if it.Event != nil {
			out = append(out, it.Event.Seq)
		}
	}
	return out
}

func TestPublishSequencesPerTenant(t *testing.T) {
	f := NewChangeFeed(100, nil, logger.Nop())

	out := f.Publish(change("acme", models.ChangeCreated), change("globex", models.ChangeCreated), change("acme", models.ChangeUpdated))

	require.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(1), out[1].Seq)
	assert.Equal(t, uint64(2), out[2].Seq)
	assert.False(t, out[0].At.IsZero())
	assert.Equal(t, uint64(2), f.Watermark("acme"))
	assert.Equal(t, uint64(1), f.Watermark("globex"))
	assert.Equal(t, uint64(0), f.Watermark("initech"))
	assert.Nil(t, f.Publish())
}

func TestSubscribeReplaysAndFollows(t *testing.T) {
	f := NewChangeFeed(100, nil, logger.Nop())
	f.Publish(changes("acme", 3)...)

	sub := f.Subscribe("acme", 1, 10)
	defer sub.Close()
	f.Publish(changes("acme", 2)...)
	f.Publish(changes("globex", 2)...)

	items := drain(sub)
	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs(items))
	for _, it := range items {
		assert.Nil(t, it.Lagged)
		assert.Equal(t, "acme", it.Event.TenantID)
	}
}

func TestSubscribeAtWatermarkSeesOnlyNew(t *testing.T) {
	f := NewChangeFeed(100, nil, logger.Nop())
	f.Publish(changes("acme", 3)...)

	sub := f.Subscribe("acme", f.Watermark("acme"), 10)
	defer sub.Close()
	assert.Empty(t, drain(sub))

	f.Publish(change("acme", models.ChangeDeleted))
	items := drain(sub)
	require.Len(t, items, 1)
	assert.Equal(t, models.ChangeDeleted, items[0].Event.Kind)
	assert.Equal(t, uint64(4), items[0].Event.Seq)
}

func TestReplayGapIsSignalled(t *testing.T) {
	f := NewChangeFeed(3, nil, logger.Nop())
	f.Publish(changes("acme", 5)...)

	sub := f.Subscribe("acme", 0, 10)
	defer sub.Close()

	items := drain(sub)
	require.Len(t, items, 4)
	require.NotNil(t, items[0].Lagged)
	assert.Equal(t, Lagged{FromSeq: 1, Missed: 2}, *items[0].Lagged)
	assert.Equal(t, []uint64{3, 4, 5}, seqs(items))
	assert.Equal(t, 1, f.Subscribers())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	f := NewChangeFeed(100, nil, logger.Nop())
	slow := f.Subscribe("acme", 0, 2)
	fast := f.Subscribe("acme", 0, 100)
	defer fast.Close()

	f.Publish(changes("acme", 5)...)

	items := drain(slow)
	require.Len(t, items, 3)
	assert.Equal(t, []uint64{1, 2}, seqs(items))
	require.NotNil(t, items[2].Lagged)
	assert.Equal(t, Lagged{FromSeq: 3, Missed: 3, Dropped: true}, *items[2].Lagged)

	_, open := <-slow.Events()
	assert.False(t, open)
	slow.Close()

	assert.Len(t, drain(fast), 5)
	assert.Equal(t, 1, f.Subscribers())

	// resubscribing from the lag point recovers the rest from the ring
	again := f.Subscribe("acme", items[2].Lagged.FromSeq-1, 10)
	defer again.Close()
	assert.Equal(t, []uint64{3, 4, 5}, seqs(drain(again)))
}

func TestReplayBacklogDoesNotCountAgainstBuffer(t *testing.T) {
	f := NewChangeFeed(100, nil, logger.Nop())
	f.Publish(changes("acme", 10)...)

	sub := f.Subscribe("acme", 0, 2)
	defer sub.Close()
	f.Publish(changes("acme", 2)...)

	items := drain(sub)
	assert.Len(t, seqs(items), 12)
	for _, it := range items {
		assert.Nil(t, it.Lagged)
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	f := NewChangeFeed(10, nil, logger.Nop())
	sub := f.Subscribe("acme", 0, 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			f.Publish(change("acme", models.ChangeUpdated))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(1000), f.Watermark("acme"))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := NewChangeFeed(10, nil, logger.Nop())
	sub := f.Subscribe("acme", 0, 4)
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, f.Subscribers())

	other := f.Subscribe("acme", 0, 4)
	f.Close()
	_, open := <-other.Events()
	assert.False(t, open)
	other.Close()
}

type captureSink struct {
	mu   sync.Mutex
	msgs []*ChangeMessage
	got  chan struct{}
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Close() error { return nil }

func (c *captureSink) Deliver(_ context.Context, msgs []*ChangeMessage) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msgs...)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func TestForwarderDeliversCommittedChanges(t *testing.T) {
	sink := &captureSink{got: make(chan struct{}, 4)}
	fw := NewForwarder(4, logger.Nop(), sink)
	f := NewChangeFeed(10, nil, logger.Nop())
	f.SetForwarder(fw)

	ctx, cancel := context.WithCancel(context.Background())
	go fw.Run(ctx)

	f.Publish(changes("acme", 2)...)
	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received the batch")
	}

	cancel()
	fw.Close(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.msgs, 2)
	assert.Equal(t, uint64(1), sink.msgs[0].Seq)
	assert.Equal(t, uint64(2), sink.msgs[1].Seq)
	assert.Equal(t, "acme", sink.msgs[0].TenantID)
}

func TestForwarderDropsWhenQueueFull(t *testing.T) {
	sink := &captureSink{got: make(chan struct{}, 4)}
	fw := NewForwarder(1, logger.Nop(), sink)

	fw.Enqueue(changes("acme", 2))
	fw.Enqueue(changes("acme", 3))

	assert.Equal(t, 3, fw.Dropped())
}
