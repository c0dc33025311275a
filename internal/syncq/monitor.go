package syncq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Monitor tracks network reachability and flushes the sync queue on every
// offline-to-online transition. Reachability signals come from the host
// platform; the monitor only reacts to them.
type Monitor struct {
	queue  *Queue
	logger *logrus.Logger

	online atomic.Bool

	listeners  *hashmap.Map[uint64, func(bool)]
	listenerID atomic.Uint64

	flushWG sync.WaitGroup
}

func NewMonitor(queue *Queue, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		queue:     queue,
		logger:    logger,
		listeners: hashmap.New[uint64, func(bool)](),
	}
}

// Reachable reports the last observed reachability.
func (m *Monitor) Reachable() bool {
	return m.online.Load()
}

// SetReachable feeds a platform reachability signal in. A transition to
// online kicks off an asynchronous flush; repeated signals with the same
// value are ignored. No retry happens beyond what new transitions trigger.
func (m *Monitor) SetReachable(online bool) {
	prev := m.online.Swap(online)
	if prev == online {
		return
	}

	m.logger.WithField("online", online).Info("Reachability changed")
	m.listeners.Range(func(_ uint64, fn func(bool)) bool {
		fn(online)
		return true
	})

	if !online {
		return
	}

	m.flushWG.Add(1)
	go func() {
		defer m.flushWG.Done()
		if _, err := m.queue.Flush(context.Background()); err != nil {
			m.logger.WithError(err).Warn("Reachability-triggered flush failed")
		}
	}()
}

// OnReachabilityChange registers fn for transitions and returns its
// unregistration func.
func (m *Monitor) OnReachabilityChange(fn func(bool)) (cancel func()) {
	id := m.listenerID.Add(1)
	m.listeners.Set(id, fn)
	return func() { m.listeners.Del(id) }
}

// Wait blocks until in-flight flushes finish. Intended for teardown.
func (m *Monitor) Wait() {
	m.flushWG.Wait()
}
