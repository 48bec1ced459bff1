// Package position supplies the viewer's location to the chat engine.
package position

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/matheus3301/geochat/internal/store"
	"go.uber.org/zap"
)

// EarthRadius is the sphere radius used for distances, in meters.
const EarthRadius = 6378137.0

// DefaultPollInterval is how often a Poller asks its Source.
const DefaultPollInterval = 5 * time.Minute

// ErrUnavailable means the source cannot currently tell where the viewer is.
var ErrUnavailable = errors.New("position unavailable")

// Source yields the viewer's current position.
type Source interface {
	CurrentPosition(ctx context.Context) (store.Location, error)
}

// Fixed always reports the same location.
type Fixed store.Location

func (f Fixed) CurrentPosition(context.Context) (store.Location, error) {
	return store.Location(f), nil
}

// Unavailable never knows the position.
type Unavailable struct{}

func (Unavailable) CurrentPosition(context.Context) (store.Location, error) {
	return store.Location{}, ErrUnavailable
}

// Settable is a Source whose location can be changed at runtime.
// The zero value reports ErrUnavailable until Set is called.
type Settable struct {
	mu  sync.RWMutex
	loc *store.Location
}

func (s *Settable) Set(loc store.Location) {
	s.mu.Lock()
	s.loc = &loc
	s.mu.Unlock()
}

func (s *Settable) Clear() {
	s.mu.Lock()
	s.loc = nil
	s.mu.Unlock()
}

func (s *Settable) CurrentPosition(context.Context) (store.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loc == nil {
		return store.Location{}, ErrUnavailable
	}
	return *s.loc, nil
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b store.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLong := (b.Long - a.Long) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLong/2)*math.Sin(dLong/2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(math.Min(1, h)))
}

// Update is one poll result. Known is false when the source failed.
type Update struct {
	Location store.Location
	Known    bool
	Err      error
}

// Poller asks a Source immediately and then on every interval tick,
// handing each result to a callback.
type Poller struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(source Source, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{source: source, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, fn func(Update)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		loc, err := p.source.CurrentPosition(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("position unavailable", zap.Error(err))
			fn(Update{Err: err})
		} else {
			fn(Update{Location: loc, Known: true})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
