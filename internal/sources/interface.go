package sources

import (
	"context"
	"sync"
	"time"

	"tiace/internal/domain/models"
)

// Connector fetches raw records from one kind of feed
type Connector interface {
	// Type returns the feed type this connector serves
	Type() models.FeedType

	// Fetch starts a lazy fetch of everything newer than since.
	// The stream must be closed by the caller.
	Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *RecordStream
}

// RawRecord is one unparsed unit of feed data: a document, an event or a page
type RawRecord struct {
	FeedID    string            `json:"feed_id"`
	FeedType  models.FeedType   `json:"feed_type"`
	Format    models.FeedFormat `json:"format"`
	FetchedAt time.Time         `json:"fetched_at"`
	Data      []byte            `json:"-"`
	// Cursor is the paging position after this record, empty on the last page
	Cursor string `json:"cursor,omitempty"`
}

// NewRecord builds a record for cfg
func NewRecord(cfg *models.FeedConfiguration, data []byte, cursor string) RawRecord {
	return RawRecord{
		FeedID:    cfg.ID,
		FeedType:  cfg.Type,
		Format:    cfg.Format,
		FetchedAt: time.Now().UTC(),
		Data:      data,
		Cursor:    cursor,
	}
}

// Emit hands a record to the consumer. It returns false once the consumer is
// gone or ctx is done; producers stop at that record boundary.
type Emit func(RawRecord) bool

// Producer fills a stream. The returned error ends the stream.
type Producer func(ctx context.Context, emit Emit) error

const streamBuffer = 8

// RecordStream is a finite, non restartable sequence of raw records
// backed by a bounded channel and a producer goroutine.
type RecordStream struct {
	records chan RawRecord
	done    chan struct{}
	cancel  context.CancelFunc

	current RawRecord
	err     error
	errMu   sync.Mutex
	once    sync.Once
	stopped chan struct{}
}

// NewRecordStream starts produce in its own goroutine
func NewRecordStream(ctx context.Context, produce Producer) *RecordStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &RecordStream{
		records: make(chan RawRecord, streamBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(s.stopped)
		defer close(s.records)
		emit := func(r RawRecord) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case s.records <- r:
				return true
			case <-ctx.Done():
				return false
			case <-s.done:
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			s.setErr(models.FromContext("fetch", err))
		}
	}()
	return s
}

// FailedStream returns an empty stream that reports err
func FailedStream(err error) *RecordStream {
	s := &RecordStream{
		records: make(chan RawRecord),
		done:    make(chan struct{}),
		cancel:  func() {},
		stopped: make(chan struct{}),
		err:     err,
	}
	close(s.records)
	close(s.stopped)
	return s
}

func (s *RecordStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Next advances to the next record. It returns false at the end of the
// stream, on error or when ctx is done.
func (s *RecordStream) Next(ctx context.Context) bool {
	select {
	case r, ok := <-s.records:
		if !ok {
			return false
		}
		s.current = r
		return true
	case <-ctx.Done():
		s.setErr(models.FromContext("fetch", ctx.Err()))
		return false
	}
}

// Record returns the record Next advanced to
func (s *RecordStream) Record() RawRecord {
	return s.current
}

// Err returns the error that ended the stream, if any
func (s *RecordStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the producer and waits for it to exit
func (s *RecordStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		for range s.records {
		}
		<-s.stopped
	})
}

// Collect drains a stream into memory. Intended for tests and small feeds.
func Collect(ctx context.Context, s *RecordStream) ([]RawRecord, error) {
	defer s.Close()
	var out []RawRecord
	for s.Next(ctx) {
		out = append(out, s.Record())
	}
	return out, s.Err()
}

// BaseConnector carries what every connector shares
type BaseConnector struct {
	feedType  models.FeedType
	transport *Transport
}

// NewBaseConnector creates a base for feedType
func NewBaseConnector(feedType models.FeedType, transport *Transport) *BaseConnector {
	return &BaseConnector{feedType: feedType, transport: transport}
}

// Type returns the feed type
func (c *BaseConnector) Type() models.FeedType {
	return c.feedType
}

// Transport returns the shared HTTP transport
func (c *BaseConnector) Transport() *Transport {
	return c.transport
}
