package streaming

import (
	"sync"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/pkg/logger"
)

// FeedItem is one element delivered to a subscriber: either a committed
// event or a Lagged signal.
type FeedItem struct {
	Event  *models.ChangeEvent `json:"event,omitempty"`
	Lagged *Lagged             `json:"lagged,omitempty"`
}

// Lagged reports events a subscriber did not receive. FromSeq is the first
// missing sequence number. When Dropped is set the subscription has ended
// and the caller should resubscribe from FromSeq-1.
type Lagged struct {
	FromSeq uint64 `json:"from_seq"`
	Missed  uint64 `json:"missed"`
	Dropped bool   `json:"dropped"`
}

// ChangeFeed is the in-memory commit log. Each tenant has its own sequence
// and a bounded ring of recent events for replay. Publishing never blocks
// on subscribers: one that falls behind its buffer is dropped.
type ChangeFeed struct {
	retention int
	forwarder *Forwarder
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantLog
	nextSub uint64
}

type tenantLog struct {
	seq  uint64
	ring []models.ChangeEvent
	head int // index of the oldest event once the ring is full
	subs map[uint64]*Subscription
}

// NewChangeFeed creates a change feed keeping retention events per tenant
func NewChangeFeed(retention int, m *metrics.Metrics, log *logger.Logger) *ChangeFeed {
	if retention <= 0 {
		retention = 10000
	}
	return &ChangeFeed{
		retention: retention,
		metrics:   m,
		logger:    log.WithComponent("changefeed"),
		now:       func() time.Time { return time.Now().UTC() },
		tenants:   make(map[string]*tenantLog),
	}
}

// SetForwarder attaches the external sink fan-out
func (f *ChangeFeed) SetForwarder(fw *Forwarder) { f.forwarder = fw }

func (f *ChangeFeed) tenant(id string) *tenantLog {
	tl, ok := f.tenants[id]
	if !ok {
		tl = &tenantLog{subs: make(map[uint64]*Subscription)}
		f.tenants[id] = tl
	}
	return tl
}

func (tl *tenantLog) append(ev models.ChangeEvent, retention int) {
	if len(tl.ring) < retention {
		tl.ring = append(tl.ring, ev)
		return
	}
	tl.ring[tl.head] = ev
	tl.head = (tl.head + 1) % retention
}

// since returns retained events with Seq > from in order, and the first
// sequence number no longer retained when the ring cannot cover from
func (tl *tenantLog) since(from uint64) (events []models.ChangeEvent, gapFrom, missed uint64) {
	n := len(tl.ring)
	if n == 0 {
		if tl.seq > from {
			return nil, from + 1, tl.seq - from
		}
		return nil, 0, 0
	}
	oldest := tl.ring[tl.head].Seq
	if from+1 < oldest {
		gapFrom, missed = from+1, oldest-from-1
	}
	for i := 0; i < n; i++ {
		ev := tl.ring[(tl.head+i)%n]
		if ev.Seq > from {
			events = append(events, ev)
		}
	}
	return events, gapFrom, missed
}

// Publish assigns sequence numbers to events in order and delivers them.
// Events of different tenants are sequenced independently.
func (f *ChangeFeed) Publish(events ...models.ChangeEvent) []models.ChangeEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]models.ChangeEvent, len(events))

	type lagging struct {
		sub     *Subscription
		fromSeq uint64
	}
	var dropped []lagging

	f.mu.Lock()
	for i, ev := range events {
		tl := f.tenant(ev.TenantID)
		tl.seq++
		ev.Seq = tl.seq
		if ev.At.IsZero() {
			ev.At = f.now()
		}
		tl.append(ev, f.retention)
		out[i] = ev
		for id, sub := range tl.subs {
			if !sub.offer(ev) {
				delete(tl.subs, id)
				dropped = append(dropped, lagging{sub: sub, fromSeq: ev.Seq})
			}
		}
	}
	for _, d := range dropped {
		f.drop(d.sub, d.fromSeq)
	}
	f.mu.Unlock()

	if f.forwarder != nil {
		f.forwarder.Enqueue(out)
	}
	return out
}

// drop ends a subscription that could not keep up. Missed counts the
// events committed from fromSeq through the current watermark. Caller holds f.mu.
func (f *ChangeFeed) drop(sub *Subscription, fromSeq uint64) {
	missed := f.tenants[sub.tenantID].seq - fromSeq + 1
	sub.ch <- FeedItem{Lagged: &Lagged{FromSeq: fromSeq, Missed: missed, Dropped: true}}
	close(sub.ch)
	sub.closed = true
	f.metrics.Lagged(missed)
	f.logger.Warn().
		Str("tenant_id", sub.tenantID).
		Uint64("from_seq", fromSeq).
		Uint64("missed", missed).
		Msg("dropping lagging change feed subscriber")
}

// Watermark returns the last sequence number committed for tenantID
func (f *ChangeFeed) Watermark(tenantID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tl, ok := f.tenants[tenantID]; ok {
		return tl.seq
	}
	return 0
}

// Subscribe returns a subscription that first replays retained events after
// fromWatermark and then follows new commits. If the ring no longer holds
// every event after fromWatermark a non-dropping Lagged item comes first.
func (f *ChangeFeed) Subscribe(tenantID string, fromWatermark uint64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tl := f.tenant(tenantID)
	replay, gapFrom, missed := tl.since(fromWatermark)

	// room for the replay, the live buffer and a final Lagged
	sub := &Subscription{
		feed:     f,
		tenantID: tenantID,
		buffer:   buffer,
		ch:       make(chan FeedItem, len(replay)+buffer+2),
	}
	if missed > 0 {
		sub.ch <- FeedItem{Lagged: &Lagged{FromSeq: gapFrom, Missed: missed}}
		f.metrics.Lagged(missed)
	}
	for i := range replay {
		ev := replay[i]
		sub.ch <- FeedItem{Event: &ev}
	}
	sub.live = len(sub.ch)

	f.nextSub++
	sub.id = f.nextSub
	tl.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of live subscriptions across tenants
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tl := range f.tenants {
		n += len(tl.subs)
	}
	return n
}

// Close ends every subscription
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tl := range f.tenants {
		for id, sub := range tl.subs {
			close(sub.ch)
			sub.closed = true
			delete(tl.subs, id)
		}
	}
}

// Subscription is one consumer of a tenant's change feed
type Subscription struct {
	feed     *ChangeFeed
	id       uint64
	tenantID string
	buffer   int
	ch       chan FeedItem
	live     int // items queued at subscribe time
	closed   bool
}

// Events returns the delivery channel. It is closed when the subscription
// ends, after a dropping Lagged item if the subscriber fell behind.
func (s *Subscription) Events() <-chan FeedItem { return s.ch }

// TenantID returns the subscribed tenant
func (s *Subscription) TenantID() string { return s.tenantID }

// offer queues ev unless the live backlog is full. Caller holds feed.mu.
func (s *Subscription) offer(ev models.ChangeEvent) bool {
	// the replay backlog drains before the live limit applies
	if len(s.ch) < s.live {
		s.live = len(s.ch)
	}
	if len(s.ch) >= s.buffer+s.live {
		return false
	}
	s.ch <- FeedItem{Event: &ev}
	return true
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if tl, ok := s.feed.tenants[s.tenantID]; ok {
		delete(tl.subs, s.id)
	}
	close(s.ch)
}
