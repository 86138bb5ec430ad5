// Package geoloc is the boundary to the geolocation collaborator. Position
// lookup is best-effort and never blocks an emergency send: denial, absence
// or timeout all yield an all-null location.
package geoloc

import (
    "context"
    "time"

    "go.uber.org/zap"

    "meshalert/pkg/protocol"
)

// Timeout bounds one position fetch.
const Timeout = 10 * time.Second

// Locator fetches the current position.
type Locator interface {
    Locate(ctx context.Context) (protocol.Location, error)
}

// BestEffort resolves a position within Timeout. Any failure is logged and
// collapses to the null location.
func BestEffort(ctx context.Context, l Locator) protocol.Location {
    if l == nil {
        return protocol.Location{}
    }
    ctx, cancel := context.WithTimeout(ctx, Timeout)
    defer cancel()

    type result struct {
        loc protocol.Location
        err error
    }
    ch := make(chan result, 1)
    go func() {
        loc, err := l.Locate(ctx)
        ch <- result{loc, err}
    }()
    select {
    case <-ctx.Done():
        zap.L().Warn("geolocation timed out", zap.Error(ctx.Err()))
        return protocol.Location{}
    case r := <-ch:
        if r.err != nil {
            zap.L().Warn("geolocation unavailable", zap.Error(r.err))
            return protocol.Location{}
        }
        return r.loc
    }
}

// Null is a locator for devices without a position source.
type Null struct{}

func (Null) Locate(context.Context) (protocol.Location, error) {
    return protocol.Location{}, nil
}

// Static always reports a fixed position, useful for stationary
// installations and tests.
type Static struct {
    Latitude  float64
    Longitude float64
    Accuracy  float64
}

func (s Static) Locate(context.Context) (protocol.Location, error) {
    lat, lon, acc := s.Latitude, s.Longitude, s.Accuracy
    return protocol.Location{Latitude: &lat, Longitude: &lon, Accuracy: &acc}, nil
}
