// Package connectivity reports whether the remote ledger is reachable. The
// coordinator consumes it only to gate pass start, never to alter
// per-transaction logic.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one connectivity observation. Quality is an optional link hint
// ("good", "degraded"); consumers must tolerate it being empty.
type State struct {
	Online  bool
	Quality string
}

// Monitor exposes the current state and a stream of transitions.
type Monitor interface {
	Online(ctx context.Context) bool
	Changes() <-chan State
}

// Probe polls a health check and publishes online/offline transitions. The
// changes channel only carries edges, not every probe result.
type Probe struct {
	check    func(ctx context.Context) error
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	online  bool
	known   bool
	changes chan State
}

// NewProbe builds a Probe around a health-check function (typically the
// ledger client's Health).
func NewProbe(check func(ctx context.Context) error, interval time.Duration, logger *zap.SugaredLogger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Probe{
		check:    check,
		interval: interval,
		log:      logger,
		changes:  make(chan State, 1),
	}
}

// Online probes once, synchronously.
func (p *Probe) Online(ctx context.Context) bool {
	err := p.check(ctx)
	p.record(err == nil)
	return err == nil
}

// Changes returns the transition stream. The channel has a one-slot buffer;
// if the consumer lags, older edges are dropped in favor of the latest.
func (p *Probe) Changes() <-chan State { return p.changes }

// Run polls until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, p.interval)
			err := p.check(probeCtx)
			cancel()
			p.record(err == nil)
		}
	}
}

func (p *Probe) record(online bool) {
	p.mu.Lock()
	changed := !p.known || p.online != online
	p.online = online
	p.known = true
	p.mu.Unlock()
	if !changed {
		return
	}
	p.log.Infof("connectivity: online=%v", online)
	st := State{Online: online}
	select {
	case p.changes <- st:
	default:
		// drop the stale edge and publish the latest
		select {
		case <-p.changes:
		default:
		}
		p.changes <- st
	}
}

// Static is a fixed-state monitor for tests and for deployments that manage
// connectivity externally.
type Static struct {
	mu    sync.Mutex
	state State
	ch    chan State
}

// NewStatic builds a Static monitor in the given state.
func NewStatic(online bool) *Static {
	return &Static{state: State{Online: online}, ch: make(chan State, 1)}
}

// Online reports the configured state.
func (s *Static) Online(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Online
}

// Changes returns the transition stream.
func (s *Static) Changes() <-chan State { return s.ch }

// Set flips the state and publishes the edge.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := s.state.Online != online
	s.state.Online = online
	s.mu.Unlock()
	if changed {
		select {
		case s.ch <- State{Online: online}:
		default:
		}
	}
}
