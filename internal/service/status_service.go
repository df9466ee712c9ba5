package service

import (
	"context"
	"sync"
	"time"

	"duet/internal/calsync"
	"duet/internal/events"
	"duet/internal/worker"

	"github.com/rs/zerolog"
)

const recentDiscardLimit = 20

type QueueStats interface {
	Stats() worker.Stats
}

type SyncStatus interface {
	Status(ctx context.Context) (calsync.Status, error)
}

type Connectivity interface {
	Online() bool
}

// StatusReport is the aggregated view served to clients.
type StatusReport struct {
	Online         bool                               `json:"online"`
	Queue          worker.Stats                       `json:"queue"`
	Sync           *calsync.Status                    `json:"sync,omitempty"`
	LastSync       *events.SyncPayload                `json:"last_sync,omitempty"`
	LastSyncError  string                             `json:"last_sync_error,omitempty"`
	LastCleanup    *calsync.CleanupPayload            `json:"last_cleanup,omitempty"`
	LastDrain      *events.QueueDrainedPayload        `json:"last_drain,omitempty"`
	Discarded      int                                `json:"discarded"`
	RecentDiscards []events.OperationDiscardedPayload `json:"recent_discards,omitempty"`
	GeneratedAt    time.Time                          `json:"generated_at"`
}

// StatusService tracks core events from the bus and combines them with the
// live state of the queue, the sync engine and the network.
type StatusService struct {
	queue   QueueStats
	sync    SyncStatus
	network Connectivity
	logger  *zerolog.Logger

	mu             sync.RWMutex
	lastSync       *events.SyncPayload
	lastSyncError  string
	lastCleanup    *calsync.CleanupPayload
	lastDrain      *events.QueueDrainedPayload
	discarded      int
	recentDiscards []events.OperationDiscardedPayload
}

func NewStatusService(bus *events.EventBus, queue QueueStats, engine SyncStatus, network Connectivity, logger *zerolog.Logger) *StatusService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &StatusService{queue: queue, sync: engine, network: network, logger: logger}
	if bus != nil {
		bus.Subscribe(events.EventSyncCompleted, s.onSync)
		bus.Subscribe(events.EventSyncFailed, s.onSync)
		bus.Subscribe(events.EventCleanupCompleted, s.onCleanup)
		bus.Subscribe(events.EventQueueDrained, s.onDrain)
		bus.Subscribe(events.EventOperationDiscarded, s.onDiscard)
	}
	return s
}

func (s *StatusService) onSync(e *events.Event) error {
	var p events.SyncPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = &p
	s.lastSyncError = p.Error
	return nil
}

func (s *StatusService) onCleanup(e *events.Event) error {
	var p calsync.CleanupPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastCleanup = &p
	s.mu.Unlock()
	return nil
}

func (s *StatusService) onDrain(e *events.Event) error {
	var p events.QueueDrainedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastDrain = &p
	s.mu.Unlock()
	return nil
}

func (s *StatusService) onDiscard(e *events.Event) error {
	var p events.OperationDiscardedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded++
	s.recentDiscards = append(s.recentDiscards, p)
	if len(s.recentDiscards) > recentDiscardLimit {
		s.recentDiscards = s.recentDiscards[len(s.recentDiscards)-recentDiscardLimit:]
	}
	return nil
}

// Report builds a snapshot. A failing engine status read is logged and left out.
func (s *StatusService) Report(ctx context.Context) StatusReport {
	report := StatusReport{Online: true, GeneratedAt: time.Now().UTC()}
	if s.network != nil {
		report.Online = s.network.Online()
	}
	if s.queue != nil {
		report.Queue = s.queue.Stats()
	}
	if s.sync != nil {
		st, err := s.sync.Status(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("sync status unavailable")
		} else {
			report.Sync = &st
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	report.LastSync = s.lastSync
	report.LastSyncError = s.lastSyncError
	report.LastCleanup = s.lastCleanup
	report.LastDrain = s.lastDrain
	report.Discarded = s.discarded
	report.RecentDiscards = append([]events.OperationDiscardedPayload(nil), s.recentDiscards...)
	return report
}
