package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Discovery describes one peripheral seen while scanning.
type Discovery struct {
	Address    string
	Name       string
	RSSI       int
	HasService bool // advertises the configured oximeter service
}

// Scan performs BLE discovery for the scan window and returns every
// peripheral seen, strongest signal first. Advertisements arrive on the BLE
// stack's goroutine, so discoveries are collected in a concurrent map.
func (p *Provider) Scan(ctx context.Context) ([]Discovery, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()

	want := normalizeUUID(p.cfg.ServiceUUID)
	seen := hashmap.New[string, Discovery]()

	p.logger.WithField("duration", p.cfg.ScanTimeout).Info("Starting BLE scan...")

	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		addr := adv.Addr().String()

		hasService := false
		for _, svc := range adv.Services() {
			if normalizeUUID(svc.String()) == want {
				hasService = true
				break
			}
		}

		d := Discovery{
			Address:    addr,
			Name:       adv.LocalName(),
			RSSI:       adv.RSSI(),
			HasService: hasService,
		}
		if prev, ok := seen.Get(addr); ok {
			// Keep the richer of the two sightings.
			if d.Name == "" {
				d.Name = prev.Name
			}
			d.HasService = d.HasService || prev.HasService
		} else {
			p.logger.WithFields(logrus.Fields{
				"device":  d.Name,
				"address": addr,
				"rssi":    d.RSSI,
			}).Info("Discovered new device")
		}
		seen.Set(addr, d)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	devices := make([]Discovery, 0, seen.Len())
	seen.Range(func(_ string, d Discovery) bool {
		devices = append(devices, d)
		return true
	})
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})

	p.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}
