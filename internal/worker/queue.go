// Package worker holds the durable queue of mutations that could not reach
// the remote store, and replays them once connectivity allows.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duet/internal/domain"
	"duet/internal/events"
	"duet/internal/metrics"
	"duet/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Connectivity reports whether the remote store is believed reachable.
type Connectivity interface {
	Online() bool
}

// Options tune a Queue. Zero values fall back to defaults.
type Options struct {
	Policy         RetryPolicy
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Network        Connectivity
	DeadLetters    DeadLetterSink
	Events         domain.EventPublisher
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Completed int  `json:"completed"`
	Retried   int  `json:"retried"`
	Discarded int  `json:"discarded"`
	Deferred  int  `json:"deferred"`
	Pruned    int  `json:"pruned"`
	Pending   int  `json:"pending"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Changed reports whether the pass mutated the queue.
func (r DrainResult) Changed() bool {
	return r.Completed+r.Retried+r.Discarded+r.Pruned > 0
}

// Stats is a snapshot of queue health.
type Stats struct {
	Pending     int        `json:"pending"`
	Draining    bool       `json:"draining"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	LastDrainAt *time.Time `json:"last_drain_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// SubmitResult tells the caller whether a write went through or was queued.
type SubmitResult struct {
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id,omitempty"`
}

// Queue is the ordered, durable list of pending operations. Every mutation is
// persisted by rewriting the whole list; a pass that changes nothing writes nothing.
type Queue struct {
	store  domain.OperationStore
	remote domain.RemoteStore
	blobs  *BlobSpool

	policy         RetryPolicy
	requestTimeout time.Duration
	pollInterval   time.Duration
	network        Connectivity
	deadLetters    DeadLetterSink
	events         domain.EventPublisher
	logger         *zerolog.Logger
	now            func() time.Time

	mu          sync.Mutex
	ops         []models.PendingOperation
	lastErr     string
	lastDrainAt *time.Time

	draining atomic.Bool
	trigger  chan struct{}
}

func NewQueue(store domain.OperationStore, remote domain.RemoteStore, blobs *BlobSpool, opts Options, logger *zerolog.Logger) *Queue {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = models.DefaultRequestTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Queue{
		store:          store,
		remote:         remote,
		blobs:          blobs,
		policy:         opts.Policy.withDefaults(),
		requestTimeout: opts.RequestTimeout,
		pollInterval:   opts.PollInterval,
		network:        opts.Network,
		deadLetters:    opts.DeadLetters,
		events:         opts.Events,
		logger:         logger,
		now:            time.Now,
		trigger:        make(chan struct{}, 1),
	}
}

// Load restores the queue from durable storage, keeping the stored order.
func (q *Queue) Load(ctx context.Context) error {
	ops, err := q.store.LoadOperations(ctx)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}

	seen := make(map[string]struct{}, len(ops))
	restored := make([]models.PendingOperation, 0, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.ID]; dup {
			q.logger.Warn().Str("operation_id", op.ID).Msg("duplicate pending operation ignored")
			continue
		}
		seen[op.ID] = struct{}{}
		restored = append(restored, op)
	}

	q.mu.Lock()
	q.ops = restored
	q.mu.Unlock()

	metrics.SetPending(len(restored))
	q.logger.Info().Int("pending", len(restored)).Msg("pending operations restored")
	return nil
}

// Enqueue captures payload as a new pending operation and persists the queue.
// blob, when set, is spooled to disk and referenced from the payload.
func (q *Queue) Enqueue(ctx context.Context, payload models.OperationPayload, blob []byte) (string, error) {
	if payload == nil {
		return "", domain.InvalidLocalData(errors.New("payload is nil"))
	}

	id := uuid.NewString()
	var spooled string
	if blob != nil {
		bp, ok := payload.(models.BlobPayload)
		if !ok {
			return "", domain.InvalidLocalData(fmt.Errorf("%s does not carry media", payload.OperationType()))
		}
		path, err := q.blobs.Write(id, blob)
		if err != nil {
			return "", err
		}
		spooled = path
		payload = bp.WithBlobPath(path)
	}

	opType, raw, err := models.EncodePayload(payload)
	if err != nil {
		_ = q.blobs.Remove(spooled)
		return "", domain.InvalidLocalData(err)
	}

	op := models.PendingOperation{
		ID:        id,
		Type:      opType,
		Payload:   raw,
		CreatedAt: q.now().UTC(),
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		q.mu.Unlock()
		_ = q.blobs.Remove(spooled)
		return "", err
	}
	pending := len(q.ops)
	q.mu.Unlock()

	metrics.IncQueue("enqueued", string(opType))
	metrics.SetPending(pending)
	q.logger.Info().
		Str("operation_id", id).
		Str("type", string(opType)).
		Str("entity", payload.EntityKey()).
		Msg("operation queued")

	q.TriggerDrain()
	return id, nil
}

// Submit applies payload right away when the network is up and no earlier
// operation on the same entity is waiting; otherwise, or when the attempt fails
// with a retryable error, the payload is queued.
func (q *Queue) Submit(ctx context.Context, payload models.OperationPayload, blob []byte) (SubmitResult, error) {
	if payload == nil {
		return SubmitResult{}, domain.InvalidLocalData(errors.New("payload is nil"))
	}

	if q.online() && !q.hasPending(payload.EntityKey()) {
		err := q.apply(ctx, payload, blob)
		switch {
		case err == nil:
			metrics.IncQueue("direct", string(payload.OperationType()))
			return SubmitResult{}, nil
		case !domain.IsRetryable(err):
			return SubmitResult{}, err
		default:
			q.logger.Warn().Err(err).
				Str("type", string(payload.OperationType())).
				Msg("direct write failed, queueing")
		}
	}

	id, err := q.Enqueue(ctx, payload, blob)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Queued: true, OperationID: id}, nil
}

// Drain makes one pass over the queue in order. Stale operations are pruned
// first. Operations of one entity are applied in order: once one of them is in
// backoff or fails, the rest of that entity waits for a later pass.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true, Pending: q.Pending()}, nil
	}
	defer q.draining.Store(false)

	var result DrainResult
	pruned, err := q.Prune(ctx)
	result.Pruned = pruned
	if err != nil {
		return result, err
	}

	if !q.online() {
		result.Pending = q.Pending()
		return result, domain.ErrNetworkUnavailable
	}

	var persistErr error
	blocked := make(map[string]struct{})
	now := q.now()

	for _, op := range q.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		key := op.EntityKey()
		if _, ok := blocked[key]; ok {
			result.Deferred++
			continue
		}
		if !q.policy.CanRetryNow(op, now) {
			blocked[key] = struct{}{}
			result.Deferred++
			continue
		}

		err := q.dispatch(ctx, op)
		switch {
		case err == nil:
			if perr := q.complete(ctx, op); perr != nil {
				persistErr = perr
			}
			result.Completed++
		case errors.Is(err, context.Canceled):
			result.Deferred++
			blocked[key] = struct{}{}
		case !domain.IsRetryable(err):
			reason := "not_retryable"
			if errors.Is(err, domain.ErrInvalidLocalData) {
				reason = "invalid_local_data"
			}
			if perr := q.discard(ctx, op, reason, err); perr != nil {
				persistErr = perr
			}
			result.Discarded++
		default:
			exhausted, perr := q.recordFailure(ctx, op, err)
			if perr != nil {
				persistErr = perr
			}
			if exhausted {
				result.Discarded++
			} else {
				result.Retried++
				blocked[key] = struct{}{}
			}
		}
	}

	result.Pending = q.Pending()
	finished := q.now().UTC()
	q.mu.Lock()
	q.lastDrainAt = &finished
	lastErr := q.lastErr
	q.mu.Unlock()

	if result.Changed() {
		q.logger.Info().
			Int("completed", result.Completed).
			Int("retried", result.Retried).
			Int("discarded", result.Discarded).
			Int("pruned", result.Pruned).
			Int("pending", result.Pending).
			Msg("queue drained")
		q.publish(events.EventQueueDrained, events.QueueDrainedPayload{
			Completed: result.Completed,
			Retried:   result.Retried,
			Discarded: result.Discarded,
			Pruned:    result.Pruned,
			Pending:   result.Pending,
			LastError: lastErr,
		})
	}
	return result, persistErr
}

// Prune drops operations older than the retention window.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	now := q.now()

	q.mu.Lock()
	kept := make([]models.PendingOperation, 0, len(q.ops))
	var stale []models.PendingOperation
	for _, op := range q.ops {
		if q.policy.IsStale(op, now) {
			stale = append(stale, op)
			continue
		}
		kept = append(kept, op)
	}
	if len(stale) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	prev := q.ops
	q.ops = kept
	if err := q.persistLocked(ctx); err != nil {
		q.ops = prev
		q.mu.Unlock()
		return 0, err
	}
	pending := len(q.ops)
	q.mu.Unlock()

	metrics.SetPending(pending)
	for _, op := range stale {
		q.afterRemoval(ctx, op, "stale", "")
	}
	return len(stale), nil
}

// Start drains on every trigger and poll tick until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	q.runDrain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			q.runDrain(ctx)
		case <-ticker.C:
			q.runDrain(ctx)
		}
	}
}

// TriggerDrain asks the running loop for a pass without blocking.
func (q *Queue) TriggerDrain() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued operations.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.PendingOperation(nil), q.ops...)
}

// LastError returns the message of the most recent failed attempt.
func (q *Queue) LastError() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Pending:     len(q.ops),
		Draining:    q.draining.Load(),
		LastDrainAt: q.lastDrainAt,
		LastError:   q.lastErr,
	}
	if len(q.ops) > 0 {
		oldest := q.ops[0].CreatedAt
		for _, op := range q.ops[1:] {
			if op.CreatedAt.Before(oldest) {
				oldest = op.CreatedAt
			}
		}
		st.Oldest = &oldest
	}
	return st
}

func (q *Queue) runDrain(ctx context.Context) {
	_, err := q.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNetworkUnavailable):
		q.logger.Debug().Msg("offline, queue drain postponed")
	case errors.Is(err, context.Canceled):
	default:
		q.logger.Error().Err(err).Msg("queue drain failed")
	}
}

func (q *Queue) online() bool {
	return q.network == nil || q.network.Online()
}

func (q *Queue) hasPending(entityKey string) bool {
	for _, op := range q.Snapshot() {
		if op.EntityKey() == entityKey {
			return true
		}
	}
	return false
}

func (q *Queue) complete(ctx context.Context, op models.PendingOperation) error {
	removed, pending, err := q.remove(ctx, op.ID)
	if err != nil || !removed {
		return err
	}
	metrics.IncQueue("completed", string(op.Type))
	metrics.SetPending(pending)
	q.removeBlob(op)
	q.logger.Debug().Str("operation_id", op.ID).Str("type", string(op.Type)).Msg("operation applied")
	return nil
}

func (q *Queue) discard(ctx context.Context, op models.PendingOperation, reason string, cause error) error {
	q.setLastError(cause)
	removed, pending, err := q.remove(ctx, op.ID)
	if err != nil || !removed {
		return err
	}
	metrics.SetPending(pending)
	q.afterRemoval(ctx, op, reason, cause.Error())
	return nil
}

// recordFailure bumps the retry counter of op, or discards op once the budget is spent.
func (q *Queue) recordFailure(ctx context.Context, op models.PendingOperation, cause error) (bool, error) {
	q.setLastError(cause)
	now := q.now().UTC()

	q.mu.Lock()
	idx := q.indexLocked(op.ID)
	if idx < 0 {
		q.mu.Unlock()
		return false, nil
	}
	prev := q.ops[idx]
	updated := prev
	updated.RetryCount++
	updated.LastRetryAt = &now

	if q.policy.IsExhausted(updated) {
		q.mu.Unlock()
		return true, q.discard(ctx, updated, "retries_exhausted", cause)
	}

	q.ops[idx] = updated
	if err := q.persistLocked(ctx); err != nil {
		q.ops[idx] = prev
		q.mu.Unlock()
		return false, err
	}
	q.mu.Unlock()

	metrics.IncQueue("retried", string(op.Type))
	q.logger.Warn().Err(cause).
		Str("operation_id", op.ID).
		Str("type", string(op.Type)).
		Int("retry_count", updated.RetryCount).
		Dur("backoff", q.policy.NextDelay(updated.RetryCount)).
		Msg("operation failed, will retry")
	return false, nil
}

func (q *Queue) remove(ctx context.Context, id string) (bool, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false, len(q.ops), nil
	}
	prev := q.ops
	next := make([]models.PendingOperation, 0, len(q.ops)-1)
	next = append(next, q.ops[:idx]...)
	next = append(next, q.ops[idx+1:]...)
	q.ops = next
	if err := q.persistLocked(ctx); err != nil {
		q.ops = prev
		return false, len(q.ops), err
	}
	return true, len(q.ops), nil
}

// afterRemoval handles a discarded operation: spool cleanup, dead letter and event.
func (q *Queue) afterRemoval(ctx context.Context, op models.PendingOperation, reason, lastErr string) {
	metrics.IncQueue("discarded", string(op.Type))
	q.removeBlob(op)
	q.logger.Warn().
		Str("operation_id", op.ID).
		Str("type", string(op.Type)).
		Int("retry_count", op.RetryCount).
		Str("reason", reason).
		Str("last_error", lastErr).
		Msg("operation discarded")

	if q.deadLetters != nil {
		letter := DeadLetter{Operation: op, Reason: reason, LastError: lastErr, DiscardedAt: q.now().UTC()}
		if err := q.deadLetters.Push(context.WithoutCancel(ctx), letter); err != nil {
			q.logger.Error().Err(err).Str("operation_id", op.ID).Msg("dead letter push failed")
		}
	}

	q.publish(events.EventOperationDiscarded, events.OperationDiscardedPayload{
		OperationID: op.ID,
		Type:        string(op.Type),
		EntityKey:   op.EntityKey(),
		RetryCount:  op.RetryCount,
		Reason:      reason,
		LastError:   lastErr,
	})
}

func (q *Queue) removeBlob(op models.PendingOperation) {
	payload, err := models.DecodePayload(op.Type, op.Payload)
	if err != nil {
		return
	}
	bp, ok := payload.(models.BlobPayload)
	if !ok {
		return
	}
	if err := q.blobs.Remove(bp.LocalBlobPath()); err != nil {
		q.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("remove spooled blob")
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole queue. Cancellation of ctx does not abort the write.
func (q *Queue) persistLocked(ctx context.Context) error {
	snapshot := append([]models.PendingOperation(nil), q.ops...)
	if err := q.store.ReplaceOperations(context.WithoutCancel(ctx), snapshot); err != nil {
		q.logger.Error().Err(err).Int("pending", len(snapshot)).Msg("persist pending operations")
		return fmt.Errorf("persist pending operations: %w", err)
	}
	return nil
}

func (q *Queue) setLastError(err error) {
	if err == nil {
		return
	}
	q.mu.Lock()
	q.lastErr = err.Error()
	q.mu.Unlock()
}

func (q *Queue) publish(eventType string, payload interface{}) {
	if q.events == nil {
		return
	}
	if err := q.events.PublishJSON(eventType, payload); err != nil {
		q.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
