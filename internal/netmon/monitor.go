// Package netmon observes connectivity and reports offline to online edges.
package netmon

import (
	"context"
	"sync"
	"time"

	"duet/internal/metrics"

	"github.com/rs/zerolog"
)

// Kind classifies the active link.
type Kind string

const (
	KindWiFi     Kind = "wifi"
	KindCellular Kind = "cellular"
	KindEthernet Kind = "ethernet"
	KindNone     Kind = "none"
)

// Status is a point-in-time connectivity observation.
type Status struct {
	Connected bool `json:"connected"`
	Kind      Kind `json:"kind"`
}

// Prober produces a definite observation or an error when no signal is available.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

// Monitor polls a Prober and notifies subscribers of offline to online edges.
// It starts out online: without a definite signal the network is assumed up.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *zerolog.Logger

	mu        sync.RWMutex
	status    Status
	callbacks []func(Status)

	edges chan Status
	once  sync.Once
}

func NewMonitor(prober Prober, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		status:   Status{Connected: true, Kind: KindNone},
		edges:    make(chan Status, 16),
	}
}

// Current returns the latest observation.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Online is a convenience for Current().Connected.
func (m *Monitor) Online() bool {
	return m.Current().Connected
}

// OnTransition registers cb for offline to online edges. Callbacks run
// sequentially on the monitor's notification goroutine.
func (m *Monitor) OnTransition(cb func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start probes immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.startNotifier(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies its result.
func (m *Monitor) Check(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	next, err := m.prober.Probe(probeCtx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("no definite connectivity signal, assuming online")
		prev := m.Current()
		next = Status{Connected: true, Kind: prev.Kind}
	}
	m.apply(ctx, next)
	return next
}

func (m *Monitor) apply(ctx context.Context, next Status) {
	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()
	metrics.SetOnline(next.Connected)

	if prev == next {
		return
	}
	m.logger.Info().
		Bool("connected", next.Connected).
		Str("kind", string(next.Kind)).
		Msg("connectivity changed")

	if !prev.Connected && next.Connected {
		m.startNotifier(ctx)
		select {
		case m.edges <- next:
		default:
			m.logger.Warn().Msg("transition backlog full, dropping online edge")
		}
	}
}

func (m *Monitor) startNotifier(ctx context.Context) {
	m.once.Do(func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case st := <-m.edges:
					m.notify(st)
				}
			}
		}()
	})
}

func (m *Monitor) notify(st Status) {
	m.mu.RLock()
	callbacks := append([]func(Status){}, m.callbacks...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("transition callback panicked")
				}
			}()
			cb(st)
		}()
	}
}
