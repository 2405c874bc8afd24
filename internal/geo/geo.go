// Package geo acquires a best-effort GPS fix.
package geo

import (
	"context"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/logging"
)

// Locator returns the current position.
type Locator interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (float64, float64, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context) (float64, float64, error) {
	return f(ctx)
}

// Fixed always reports the same position.
type Fixed struct {
	Lat, Lon float64
}

// Locate returns the fixed position.
func (f Fixed) Locate(context.Context) (float64, float64, error) {
	return f.Lat, f.Lon, nil
}

// Acquire asks locator for a fix, giving up after timeout. Any failure,
// a timeout or a nil locator yields 0/0 so recording never blocks on GPS.
func Acquire(ctx context.Context, locator Locator, timeout time.Duration) (lat, lon float64) {
	if locator == nil {
		return 0, 0
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type fix struct {
		lat, lon float64
		err      error
	}
	ch := make(chan fix, 1)
	go func() {
		lat, lon, err := locator.Locate(ctx)
		ch <- fix{lat, lon, err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			logging.Warn("location unavailable", map[string]interface{}{"error": f.err.Error()})
			return 0, 0
		}
		return f.lat, f.lon
	case <-ctx.Done():
		logging.Warn("location timed out", map[string]interface{}{"timeout": timeout.String()})
		return 0, 0
	}
}
