// Package goble binds the peripheral provider seam to the go-ble stack.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/oxiview/oxi/internal/peripheral"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// normalizeUUID converts a UUID string to the BLE library's internal format
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Config configures the go-ble provider.
type Config struct {
	// Address pins selection to a known peripheral address and skips
	// scanning entirely.
	Address string

	// ServiceUUID is the well-known oximeter service used both as the scan
	// filter and as the discovery target after connecting.
	ServiceUUID string

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Provider selects oximeter peripherals either by pinned address or by
// scanning for the configured service UUID.
type Provider struct {
	cfg    Config
	logger *logrus.Logger
}

func NewProvider(cfg Config, logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// RequestPeripheral implements peripheral.Provider. With a pinned address it
// returns immediately; otherwise it scans until a device advertising the
// oximeter service appears or the scan window closes. Caller cancellation
// maps to peripheral.ErrSelectionCancelled.
func (p *Provider) RequestPeripheral(ctx context.Context) (peripheral.Peripheral, error) {
	if p.cfg.Address != "" {
		return &blePeripheral{
			address: p.cfg.Address,
			cfg:     p.cfg,
			logger:  p.logger,
		}, nil
	}

	found, err := p.scanForService(ctx)
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (p *Provider) scanForService(ctx context.Context) (*blePeripheral, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()

	want := normalizeUUID(p.cfg.ServiceUUID)
	p.logger.WithFields(logrus.Fields{
		"service": p.cfg.ServiceUUID,
		"timeout": p.cfg.ScanTimeout,
	}).Info("Scanning for oximeter...")

	var (
		mu    sync.Mutex
		match *blePeripheral
	)
	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		for _, svc := range adv.Services() {
			if normalizeUUID(svc.String()) != want {
				continue
			}
			mu.Lock()
			if match == nil {
				match = &blePeripheral{
					address: adv.Addr().String(),
					name:    adv.LocalName(),
					cfg:     p.cfg,
					logger:  p.logger,
				}
			}
			mu.Unlock()
			cancel() // first match ends the scan
			return
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if match != nil {
		p.logger.WithFields(logrus.Fields{
			"address": match.address,
			"name":    match.name,
		}).Info("Found oximeter")
		return match, nil
	}

	// The caller backing out of the pick is a cancellation, not a failure.
	if ctx.Err() != nil {
		return nil, peripheral.ErrSelectionCancelled
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return nil, fmt.Errorf("no oximeter advertising service %s found within %s", p.cfg.ServiceUUID, p.cfg.ScanTimeout)
}

// ----------------------------
// Peripheral
// ----------------------------

type blePeripheral struct {
	address string
	name    string
	cfg     Config
	logger  *logrus.Logger
}

func (d *blePeripheral) ID() string { return d.address }

func (d *blePeripheral) Name() string {
	if d.name != "" {
		return d.name
	}
	return d.address
}

// Connect dials the peripheral and discovers its GATT profile.
func (d *blePeripheral) Connect(ctx context.Context) (peripheral.Link, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx := ctx
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	d.logger.WithField("address", d.address).Info("Connecting to BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(d.address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", d.address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	link := &bleLink{
		client:  client,
		profile: profile,
		logger:  d.logger,
	}
	go link.watchDisconnect()

	d.logger.WithFields(logrus.Fields{
		"address":  d.address,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return link, nil
}

// ----------------------------
// Link
// ----------------------------

type bleLink struct {
	client  ble.Client
	profile *ble.Profile
	logger  *logrus.Logger

	mu           sync.Mutex
	closed       bool
	onDisconnect func()
}

func (l *bleLink) Characteristics(serviceUUID string) ([]peripheral.Characteristic, error) {
	want := normalizeUUID(serviceUUID)
	for _, svc := range l.profile.Services {
		if normalizeUUID(svc.UUID.String()) != want {
			continue
		}
		chars := make([]peripheral.Characteristic, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars = append(chars, &bleCharacteristic{link: l, char: c})
		}
		return chars, nil
	}
	return nil, &peripheral.NotFoundError{Resource: "service", UUID: serviceUUID}
}

func (l *bleLink) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = fn
}

// watchDisconnect fires the registered callback on a peripheral-initiated
// drop. A local Close suppresses it.
func (l *bleLink) watchDisconnect() {
	<-l.client.Disconnected()

	l.mu.Lock()
	fn := l.onDisconnect
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return
	}
	l.logger.Warn("BLE link lost")
	if fn != nil {
		fn()
	}
}

func (l *bleLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.client.CancelConnection()
}

// ----------------------------
// Characteristic
// ----------------------------

type bleCharacteristic struct {
	link *bleLink
	char *ble.Characteristic
}

func (c *bleCharacteristic) UUID() string {
	return normalizeUUID(c.char.UUID.String())
}

func (c *bleCharacteristic) CanNotify() bool {
	return c.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

func (c *bleCharacteristic) Subscribe(fn func(data []byte)) error {
	if err := c.link.client.Subscribe(c.char, false, func(data []byte) {
		fn(data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.UUID(), err)
	}
	return nil
}

func (c *bleCharacteristic) Unsubscribe() error {
	err1 := c.link.client.Unsubscribe(c.char, false) // notify
	err2 := c.link.client.Unsubscribe(c.char, true)  // indicate

	// Only report failure if both modes fail.
	if err1 != nil && err2 != nil {
		return fmt.Errorf("%s: notify=%v, indicate=%v", c.UUID(), err1, err2)
	}
	return nil
}
