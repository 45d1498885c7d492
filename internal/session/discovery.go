package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mil-ad/carlinkd/internal/usb"
)

// poll queries d for an authorized device up to attempts times, interval
// apart. Query errors count as "no device".
func poll(ctx context.Context, d Discovery, attempts int, interval time.Duration) (usb.Device, error) {
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (usb.Device, error) {
		dev, found, err := d.FindAuthorizedDevice(ctx)
		if err != nil {
			return usb.Device{}, fmt.Errorf("find device: %w", err)
		}
		if !found {
			return usb.Device{}, errNoDevice
		}
		return dev, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(attempts)),
	)
}
