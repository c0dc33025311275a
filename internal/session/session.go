// Package session owns the oximeter connection lifecycle: peripheral
// selection, service discovery, notification streaming, disconnect handling
// and caller-driven reconnection.
//
// A Session is driven entirely through the peripheral provider seam, decodes
// every notification with the frame package, and forwards measurement
// samples to a durable sink without ever blocking the notification path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/oxiview/oxi/internal/frame"
	"github.com/oxiview/oxi/internal/peripheral"
	"github.com/oxiview/oxi/internal/wave"
)

// State is the session's connection state. Exactly one state is live at a
// time; every failure path lands back in Disconnected with the session still
// usable.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNoDevice reports a reconnect attempt with no remembered peripheral.
	ErrNoDevice = errors.New("no device to reconnect to")

	// ErrSetupInFlight reports a connect or reconnect issued while another
	// GATT setup sequence is still running. Setup is never run twice
	// concurrently against the same peripheral.
	ErrSetupInFlight = errors.New("connection attempt already in progress")

	// ErrAlreadyStreaming reports a connect issued on a live session.
	ErrAlreadyStreaming = errors.New("already connected")
)

// Vitals is the current in-memory measurement value shown to the
// presentation layer. Timestamp is when the last measurement arrived; it is
// left unchanged across disconnects.
type Vitals struct {
	BPM       uint8
	SpO2      uint8
	Timestamp time.Time
}

// ReadingSink receives every decoded measurement for durable persistence.
// *store.Store satisfies it.
type ReadingSink interface {
	AppendReading(ctx context.Context, bpm, spo2 uint8) (int64, error)
}

// Options configures a Session.
type Options struct {
	// ServiceUUID is the well-known oximeter service to discover.
	ServiceUUID string

	// WaveformWindow bounds the plethysmogram buffer; 0 uses the default.
	WaveformWindow int

	// PersistQueue bounds the async append queue; 0 uses a default of 64.
	PersistQueue int

	Logger *logrus.Logger
}

// Session is the device-session state machine. All BLE work goes through the
// injected provider; all persistence goes through the injected sink.
type Session struct {
	provider peripheral.Provider
	sink     ReadingSink
	logger   *logrus.Logger
	opts     Options

	state   atomic.Int32
	inSetup atomic.Bool // one GATT setup sequence at a time

	mu         sync.RWMutex
	vitals     Vitals
	remembered peripheral.Peripheral
	link       peripheral.Link
	notifyChar peripheral.Characteristic

	waveform *wave.Window

	listeners  *hashmap.Map[uint64, func(State)]
	listenerID atomic.Uint64

	persist   *ring[frame.Measurement]
	persistWG sync.WaitGroup
	closed    atomic.Bool
}

// New creates a Session and starts its persist worker. Call Close to release
// it.
func New(provider peripheral.Provider, sink ReadingSink, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = 64
	}

	s := &Session{
		provider:  provider,
		sink:      sink,
		logger:    opts.Logger,
		opts:      opts,
		waveform:  wave.NewWindow(opts.WaveformWindow),
		listeners: hashmap.New[uint64, func(State)](),
		persist:   newRing[frame.Measurement](opts.PersistQueue),
	}

	s.persistWG.Add(1)
	go s.runPersist()
	return s
}

// runPersist drains decoded measurements into the sink in arrival order.
// Store failures are logged and never roll back the in-memory vitals the
// presentation layer already saw.
func (s *Session) runPersist() {
	defer s.persistWG.Done()
	for m := range s.persist.C() {
		if _, err := s.sink.AppendReading(context.Background(), m.BPM, m.SpO2); err != nil {
			s.logger.WithError(err).Warn("Failed to persist reading")
		}
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("Session state changed")

	s.listeners.Range(func(_ uint64, fn func(State)) bool {
		fn(next)
		return true
	})
}

// OnStateChange registers fn for state transitions and returns its
// unregistration func. Callbacks run on the goroutine driving the
// transition and must not block.
func (s *Session) OnStateChange(fn func(State)) (cancel func()) {
	id := s.listenerID.Add(1)
	s.listeners.Set(id, fn)
	return func() { s.listeners.Del(id) }
}

// Vitals returns the current in-memory vitals value.
func (s *Session) Vitals() Vitals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vitals
}

// Waveform returns a snapshot of the plethysmogram window, oldest first.
func (s *Session) Waveform() []byte {
	return s.waveform.Snapshot()
}

// Connect runs the full selection + GATT setup sequence. A user-cancelled
// selection returns nil and leaves the session Disconnected; every other
// failure lands in Disconnected with a descriptive error and the session
// remains retryable.
func (s *Session) Connect(ctx context.Context) error {
	if !s.inSetup.CompareAndSwap(false, true) {
		return ErrSetupInFlight
	}
	defer s.inSetup.Store(false)

	if s.State() == Streaming {
		return ErrAlreadyStreaming
	}

	s.setState(Connecting)
	p, err := s.provider.RequestPeripheral(ctx)
	if err != nil {
		s.setState(Disconnected)
		if errors.Is(err, peripheral.ErrSelectionCancelled) {
			s.logger.Debug("Device selection cancelled")
			return nil
		}
		return fmt.Errorf("device selection failed: %w", err)
	}

	s.mu.Lock()
	s.remembered = p
	s.mu.Unlock()

	return s.establish(ctx, p)
}

// Reconnect re-runs GATT setup against the remembered peripheral without a
// new selection step.
func (s *Session) Reconnect(ctx context.Context) error {
	if !s.inSetup.CompareAndSwap(false, true) {
		return ErrSetupInFlight
	}
	defer s.inSetup.Store(false)

	s.mu.RLock()
	p := s.remembered
	s.mu.RUnlock()
	if p == nil {
		return ErrNoDevice
	}

	s.setState(Reconnecting)
	return s.establish(ctx, p)
}

// establish opens the link, picks the first notify-capable characteristic of
// the oximeter service, and starts streaming. Any failure tears down and
// lands in Disconnected.
func (s *Session) establish(ctx context.Context, p peripheral.Peripheral) error {
	link, err := p.Connect(ctx)
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("failed to connect to %s: %w", p.Name(), err)
	}

	s.setState(Subscribing)

	chars, err := link.Characteristics(s.opts.ServiceUUID)
	if err != nil {
		_ = link.Close()
		s.setState(Disconnected)
		return fmt.Errorf("service discovery failed: %w", err)
	}

	var notify peripheral.Characteristic
	for _, c := range chars {
		if c.CanNotify() {
			notify = c
			break
		}
	}
	if notify == nil {
		_ = link.Close()
		s.setState(Disconnected)
		return peripheral.ErrNotifyNotFound
	}

	if err := notify.Subscribe(s.handleNotification); err != nil {
		_ = link.Close()
		s.setState(Disconnected)
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	link.OnDisconnect(s.handleDisconnect)

	s.mu.Lock()
	s.link = link
	s.notifyChar = notify
	s.mu.Unlock()

	// Each connection owns a fresh waveform window.
	s.waveform.Reset()

	s.logger.WithFields(logrus.Fields{
		"device":         p.Name(),
		"characteristic": notify.UUID(),
	}).Info("Streaming oximeter notifications")
	s.setState(Streaming)
	return nil
}

// handleNotification runs on the provider's single delivery goroutine, so
// samples are processed strictly in arrival order.
func (s *Session) handleNotification(data []byte) {
	switch sample := frame.Decode(data).(type) {
	case frame.Measurement:
		s.mu.Lock()
		s.vitals = Vitals{BPM: sample.BPM, SpO2: sample.SpO2, Timestamp: time.Now()}
		s.mu.Unlock()

		if s.closed.Load() {
			return
		}
		if dropped := s.persist.Send(sample); dropped {
			s.logger.Warn("Persist queue full, dropped oldest reading")
		}

	case frame.Waveform:
		s.waveform.Append(sample.Amplitudes)

	default:
		// Unrecognized frame: dropped by design.
		s.logger.WithField("len", len(data)).Trace("Dropped unrecognized frame")
	}
}

// handleDisconnect reacts to a peripheral-initiated link loss. The
// remembered peripheral and the last vitals stay intact; no retry happens
// without explicit caller action.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	s.link = nil
	s.notifyChar = nil
	s.mu.Unlock()

	s.logger.Warn("Oximeter disconnected")
	s.setState(Disconnected)
}

// Disconnect tears down the live link on caller request. The remembered
// peripheral is kept so Reconnect still works.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	link := s.link
	char := s.notifyChar
	s.link = nil
	s.notifyChar = nil
	s.mu.Unlock()

	if link == nil {
		s.setState(Disconnected)
		return nil
	}

	if char != nil {
		if err := char.Unsubscribe(); err != nil {
			s.logger.WithError(err).Warn("Failed to unsubscribe during disconnect")
		}
	}
	err := link.Close()
	s.setState(Disconnected)
	return err
}

// Close releases the session: tears down any live link and stops the persist
// worker after draining queued readings.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.Disconnect()

	s.persist.Close()
	s.persistWG.Wait()
	return err
}
