// Package syncq forwards persisted readings to a remote sink.
//
// It is not a store of its own: it layers the "which readings still need
// forwarding" contract over the durable store, and ties flushing to network
// reachability transitions. Delivery is at-least-once; a crash between the
// transport acknowledgment and MarkSynced resends the batch, so transports
// must be idempotent.
package syncq

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/oxiview/oxi/internal/store"
)

// Transport hands a batch of readings to the remote sink and reports which
// ids the sink acknowledged. Implementations live outside this core.
type Transport interface {
	Deliver(ctx context.Context, batch []store.Reading) (acked []int64, err error)
}

// ReadingSource is the slice of the durable store the queue needs.
// *store.Store satisfies it.
type ReadingSource interface {
	UnsyncedReadings(ctx context.Context, limit int) []store.Reading
	MarkSynced(ctx context.Context, ids []int64) int
}

// DefaultBatchLimit bounds how many readings one flush forwards.
const DefaultBatchLimit = 100

// Queue drives one flush cycle: load unsynced readings, deliver, mark acked.
type Queue struct {
	source     ReadingSource
	transport  Transport
	logger     *logrus.Logger
	batchLimit int
}

func NewQueue(source ReadingSource, transport Transport, batchLimit int, logger *logrus.Logger) *Queue {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		source:     source,
		transport:  transport,
		logger:     logger,
		batchLimit: batchLimit,
	}
}

// Flush forwards one batch of unsynced readings and returns how many were
// marked synced. Partial transport acknowledgments are honored even when the
// delivery as a whole fails.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	batch := q.source.UnsyncedReadings(ctx, q.batchLimit)
	if len(batch) == 0 {
		return 0, nil
	}

	// Assemble the batch deduplicated by id in insertion order; only ids
	// that were actually handed to the transport may be marked synced,
	// whatever the transport claims to have acked.
	pending := orderedmap.New[int64, store.Reading]()
	for _, r := range batch {
		pending.Set(r.ID, r)
	}

	out := make([]store.Reading, 0, pending.Len())
	for pair := pending.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}

	acked, deliverErr := q.transport.Deliver(ctx, out)

	valid := acked[:0:0]
	for _, id := range acked {
		if _, ok := pending.Get(id); ok {
			valid = append(valid, id)
		} else {
			q.logger.WithField("id", id).Warn("Transport acked an id outside the batch")
		}
	}

	marked := 0
	if len(valid) > 0 {
		marked = q.source.MarkSynced(ctx, valid)
	}

	q.logger.WithFields(logrus.Fields{
		"batch":  len(out),
		"acked":  len(valid),
		"marked": marked,
	}).Info("Sync flush completed")

	if deliverErr != nil {
		return marked, fmt.Errorf("sync delivery failed: %w", deliverErr)
	}
	return marked, nil
}
