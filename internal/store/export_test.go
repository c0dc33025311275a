package store

import "time"

// SetNowFunc overrides the store's clock so tests can control timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) { s.now = fn }
