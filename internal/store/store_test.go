package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxiview/oxi/internal/store"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// openTestStore opens a store on a temp-file database with a deterministic
// ticking clock (one second per append).
func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()
	s, err := store.Open(store.Options{
		DBPath:       filepath.Join(dir, "readings.db"),
		FallbackPath: filepath.Join(dir, "last-reading.yaml"),
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetNowFunc(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return s
}

func TestAppendAndLatestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AppendReading(ctx, 72, 98)
	require.NoError(t, err)
	assert.Positive(t, id)

	r, err := s.LatestReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, uint8(72), r.BPM)
	assert.Equal(t, uint8(98), r.SpO2)
	assert.False(t, r.Synced)
}

func TestLatestReturnsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AppendReading(ctx, 60, 95)
	require.NoError(t, err)
	_, err = s.AppendReading(ctx, 80, 97)
	require.NoError(t, err)

	r, err := s.LatestReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, uint8(80), r.BPM)
}

func TestLatestOnEmptyStore(t *testing.T) {
	s := openTestStore(t)

	r, err := s.LatestReading(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAppendFallsBackWhenPrimaryFails(t *testing.T) {
	dir := t.TempDir()
	fallbackPath := filepath.Join(dir, "last-reading.yaml")

	s, err := store.Open(store.Options{
		DBPath:       filepath.Join(dir, "readings.db"),
		FallbackPath: fallbackPath,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Kill the primary store; appends must fail but still land in the slot.
	require.NoError(t, s.Close())

	_, err = s.AppendReading(ctx, 88, 94)
	require.Error(t, err, "original failure is re-raised after the fallback attempt")

	// The latest-reading path now degrades to the fallback slot.
	r, err := s.LatestReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, uint8(88), r.BPM)
	assert.Equal(t, uint8(94), r.SpO2)
	assert.Zero(t, r.ID, "fallback readings carry no id")
}

func TestFallbackSlotOverwrites(t *testing.T) {
	slot := store.NewFallbackSlot(filepath.Join(t.TempDir(), "slot.yaml"))

	require.NoError(t, slot.Write(store.Snapshot{BPM: 60, SpO2: 95, Timestamp: "2025-06-01T12:00:00.000000000Z"}))
	require.NoError(t, slot.Write(store.Snapshot{BPM: 75, SpO2: 97, Timestamp: "2025-06-01T12:00:01.000000000Z"}))

	snap, err := slot.Read()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint8(75), snap.BPM)
}

func TestFallbackSlotEmptyRead(t *testing.T) {
	slot := store.NewFallbackSlot(filepath.Join(t.TempDir(), "slot.yaml"))

	snap, err := slot.Read()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestReadingsInRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AppendReading(ctx, uint8(60+i), 95)
		require.NoError(t, err)
	}

	t.Run("newest first with limit", func(t *testing.T) {
		got := s.ReadingsInRange(ctx, time.Time{}, time.Time{}, 3)
		require.Len(t, got, 3)
		assert.Equal(t, uint8(64), got[0].BPM)
		assert.Equal(t, uint8(63), got[1].BPM)
		assert.Equal(t, uint8(62), got[2].BPM)
	})

	t.Run("bounded window", func(t *testing.T) {
		all := s.ReadingsInRange(ctx, time.Time{}, time.Time{}, 100)
		require.Len(t, all, 5)

		start := all[3].Timestamp // second oldest
		end := all[1].Timestamp   // second newest
		got := s.ReadingsInRange(ctx, start, end, 100)
		require.Len(t, got, 3)
		for _, r := range got {
			assert.False(t, r.Timestamp.Before(start))
			assert.False(t, r.Timestamp.After(end))
		}
	})

	t.Run("failure degrades to empty", func(t *testing.T) {
		require.NoError(t, s.Close())
		assert.Empty(t, s.ReadingsInRange(ctx, time.Time{}, time.Time{}, 10))
	})
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.AppendReading(ctx, uint8(70+i), 96)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	unsynced := s.UnsyncedReadings(ctx, 10)
	require.Len(t, unsynced, 3)
	// Insertion order.
	assert.Equal(t, ids[0], unsynced[0].ID)
	assert.Equal(t, ids[2], unsynced[2].ID)

	t.Run("marks and excludes", func(t *testing.T) {
		n := s.MarkSynced(ctx, ids[:2])
		assert.Equal(t, 2, n)

		remaining := s.UnsyncedReadings(ctx, 10)
		require.Len(t, remaining, 1)
		assert.Equal(t, ids[2], remaining[0].ID)
		for _, r := range remaining {
			assert.False(t, r.Synced)
		}
	})

	t.Run("idempotent re-mark", func(t *testing.T) {
		n := s.MarkSynced(ctx, ids[:1])
		assert.Equal(t, 1, n)

		r, err := s.LatestReading(ctx)
		require.NoError(t, err)
		require.NotNil(t, r)
	})

	t.Run("missing ids skipped silently", func(t *testing.T) {
		n := s.MarkSynced(ctx, []int64{99999, ids[2]})
		assert.Equal(t, 1, n)
		assert.Empty(t, s.UnsyncedReadings(ctx, 10))
	})

	t.Run("limit respected", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			_, err := s.AppendReading(ctx, 65, 95)
			require.NoError(t, err)
		}
		assert.Len(t, s.UnsyncedReadings(ctx, 2), 2)
	})
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("absent key keeps default", func(t *testing.T) {
		threshold := 90
		ok, err := s.GetSetting(ctx, "spo2-alert", &threshold)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 90, threshold)
	})

	t.Run("upsert is last-writer-wins", func(t *testing.T) {
		require.NoError(t, s.PutSetting(ctx, "spo2-alert", 92))
		require.NoError(t, s.PutSetting(ctx, "spo2-alert", 88))

		var got int
		ok, err := s.GetSetting(ctx, "spo2-alert", &got)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 88, got)
	})

	t.Run("arbitrary serializable values", func(t *testing.T) {
		type prefs struct {
			Address string `json:"address"`
			Window  int    `json:"window"`
		}
		require.NoError(t, s.PutSetting(ctx, "device", prefs{Address: "AA:BB", Window: 200}))

		var got prefs
		ok, err := s.GetSetting(ctx, "device", &got)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, prefs{Address: "AA:BB", Window: 200}, got)
	})
}
