package syncq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/oxiview/oxi/internal/store"
)

// RESTTransport delivers reading batches to a remote sink over HTTP. The
// sink must be idempotent under resend: delivery is at-least-once.
type RESTTransport struct {
	client *resty.Client
	logger *logrus.Logger
}

// syncRequest is the wire form of one delivered batch.
type syncRequest struct {
	Readings []syncReading `json:"readings"`
}

type syncReading struct {
	ID        int64  `json:"id"`
	BPM       uint8  `json:"bpm"`
	SpO2      uint8  `json:"spo2"`
	Timestamp string `json:"timestamp"`
}

// syncResponse lists the ids the sink accepted.
type syncResponse struct {
	Acked []int64 `json:"acked"`
}

// NewRESTTransport creates a transport posting to baseURL/readings.
func NewRESTTransport(baseURL string, timeout time.Duration, logger *logrus.Logger) *RESTTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &RESTTransport{client: client, logger: logger}
}

// Deliver implements Transport.
func (t *RESTTransport) Deliver(ctx context.Context, batch []store.Reading) ([]int64, error) {
	req := syncRequest{Readings: make([]syncReading, 0, len(batch))}
	for _, r := range batch {
		req.Readings = append(req.Readings, syncReading{
			ID:        r.ID,
			BPM:       r.BPM,
			SpO2:      r.SpO2,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	var result syncResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/readings")
	if err != nil {
		return nil, fmt.Errorf("deliver readings: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("deliver readings: sink returned %s", resp.Status())
	}

	t.logger.WithFields(logrus.Fields{
		"sent":  len(batch),
		"acked": len(result.Acked),
	}).Debug("Delivered reading batch")
	return result.Acked, nil
}
