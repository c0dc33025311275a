package session

// ring is a bounded channel-like buffer with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is
// discarded. The persist path uses it so a slow store can never stall the
// notification handler.
type ring[T any] struct {
	ch chan T
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		panic("session: ring capacity must be > 0")
	}
	return &ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it until Close.
func (r *ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest buffered element if full. Reports
// whether an element was dropped.
func (r *ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-r.ch:
		dropped = true
	default:
	}
	r.ch <- v
	return dropped
}

func (r *ring[T]) Len() int {
	return len(r.ch)
}

// Close closes the buffer. Send panics afterwards.
func (r *ring[T]) Close() {
	close(r.ch)
}
