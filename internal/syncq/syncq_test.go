package syncq_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxiview/oxi/internal/store"
	"github.com/oxiview/oxi/internal/syncq"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeSource is an in-memory stand-in for the durable store.
type fakeSource struct {
	mu       sync.Mutex
	readings []store.Reading
}

func (s *fakeSource) add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, store.Reading{ID: id, BPM: 70, SpO2: 97})
}

func (s *fakeSource) UnsyncedReadings(ctx context.Context, limit int) []store.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Reading
	for _, r := range s.readings {
		if !r.Synced {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *fakeSource) MarkSynced(ctx context.Context, ids []int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		for i := range s.readings {
			if s.readings[i].ID == id {
				s.readings[i].Synced = true
				n++
				break
			}
		}
	}
	return n
}

func (s *fakeSource) unsyncedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.readings {
		if !r.Synced {
			n++
		}
	}
	return n
}

// fakeTransport acks whatever ackFn selects from the batch.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]store.Reading
	ackFn   func(batch []store.Reading) ([]int64, error)
}

func ackAll(batch []store.Reading) ([]int64, error) {
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	return ids, nil
}

func (t *fakeTransport) Deliver(ctx context.Context, batch []store.Reading) ([]int64, error) {
	t.mu.Lock()
	t.batches = append(t.batches, batch)
	t.mu.Unlock()
	return t.ackFn(batch)
}

func (t *fakeTransport) deliveries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

func TestFlushMarksAckedReadings(t *testing.T) {
	src := &fakeSource{}
	for id := int64(1); id <= 3; id++ {
		src.add(id)
	}
	tr := &fakeTransport{ackFn: ackAll}
	q := syncq.NewQueue(src, tr, 0, quietLogger())

	n, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, src.unsyncedCount())

	// Nothing left: next flush delivers nothing.
	n, err = q.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, tr.deliveries())
}

func TestFlushHonorsPartialAck(t *testing.T) {
	src := &fakeSource{}
	for id := int64(1); id <= 4; id++ {
		src.add(id)
	}
	tr := &fakeTransport{ackFn: func(batch []store.Reading) ([]int64, error) {
		// Sink accepted half the batch then failed.
		return []int64{batch[0].ID, batch[1].ID}, errors.New("connection reset")
	}}
	q := syncq.NewQueue(src, tr, 0, quietLogger())

	n, err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n, "partial acks are honored despite the delivery error")
	assert.Equal(t, 2, src.unsyncedCount())
}

func TestFlushIgnoresForeignAcks(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	tr := &fakeTransport{ackFn: func(batch []store.Reading) ([]int64, error) {
		return []int64{1, 999}, nil
	}}
	q := syncq.NewQueue(src, tr, 0, quietLogger())

	n, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "ids never handed to the transport are not marked")
}

func TestFlushBatchLimit(t *testing.T) {
	src := &fakeSource{}
	for id := int64(1); id <= 10; id++ {
		src.add(id)
	}
	tr := &fakeTransport{ackFn: ackAll}
	q := syncq.NewQueue(src, tr, 4, quietLogger())

	n, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 6, src.unsyncedCount())
}

func TestMonitorFlushesOnOnlineTransition(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	src.add(2)
	tr := &fakeTransport{ackFn: ackAll}
	m := syncq.NewMonitor(syncq.NewQueue(src, tr, 0, quietLogger()), quietLogger())

	m.SetReachable(true)
	m.Wait()

	assert.True(t, m.Reachable())
	assert.Zero(t, src.unsyncedCount())
	assert.Equal(t, 1, tr.deliveries())
}

func TestMonitorIgnoresRepeatedSignals(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	tr := &fakeTransport{ackFn: ackAll}
	m := syncq.NewMonitor(syncq.NewQueue(src, tr, 0, quietLogger()), quietLogger())

	m.SetReachable(true)
	m.Wait()
	src.add(2)

	// Already online: no new transition, no new flush.
	m.SetReachable(true)
	m.Wait()
	assert.Equal(t, 1, tr.deliveries())

	// Bounce offline and back: flushes again.
	m.SetReachable(false)
	m.SetReachable(true)
	m.Wait()
	assert.Equal(t, 2, tr.deliveries())
	assert.Zero(t, src.unsyncedCount())
}

func TestMonitorListeners(t *testing.T) {
	m := syncq.NewMonitor(syncq.NewQueue(&fakeSource{}, &fakeTransport{ackFn: ackAll}, 0, quietLogger()), quietLogger())

	var (
		mu     sync.Mutex
		states []bool
	)
	cancel := m.OnReachabilityChange(func(online bool) {
		mu.Lock()
		states = append(states, online)
		mu.Unlock()
	})

	m.SetReachable(true)
	m.SetReachable(false)
	m.Wait()

	mu.Lock()
	got := append([]bool(nil), states...)
	mu.Unlock()
	assert.Equal(t, []bool{true, false}, got)

	cancel()
	m.SetReachable(true)
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, states, 2)
}

func TestMonitorFlushFailureIsNonFatal(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	tr := &fakeTransport{ackFn: func([]store.Reading) ([]int64, error) {
		return nil, errors.New("sink unavailable")
	}}
	m := syncq.NewMonitor(syncq.NewQueue(src, tr, 0, quietLogger()), quietLogger())

	m.SetReachable(true)
	m.Wait()

	// Reading stays queued for the next transition.
	assert.Equal(t, 1, src.unsyncedCount())

	// Monitor remains usable.
	m.SetReachable(false)
	assert.False(t, m.Reachable())
}
