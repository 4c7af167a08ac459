package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/internal/store"
	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// DeviceDirectory answers device-existence and branch-membership questions.
// Implemented by the fleet module; dispatch never touches the device table.
type DeviceDirectory interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
	DevicesInBranch(ctx context.Context, branchID string) ([]models.Device, error)
}

// keyedMutex serializes operations per device. Command queues for different
// devices never contend; all transitions for one device do.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Queue is the per-device FIFO command queue. All status transitions go
// through here; the store never changes a status on its own.
type Queue struct {
	logger    *zap.Logger
	cfg       Config
	store     *DispatchStore
	directory DeviceDirectory
	bus       plugin.EventBus
	notifier  notify.Notifier

	locks *keyedMutex
	now   func() time.Time
}

// NewQueue creates a Queue.
func NewQueue(logger *zap.Logger, cfg Config, ds *DispatchStore, dir DeviceDirectory, bus plugin.EventBus, notifier notify.Notifier) *Queue {
	return &Queue{
		logger:    logger,
		cfg:       cfg,
		store:     ds,
		directory: dir,
		bus:       bus,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and appends a command to the device's queue. The command
// starts Pending; delivery happens when the device next polls or heartbeats.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, t models.CommandType, payload json.RawMessage) (*models.Command, error) {
	if !models.ValidCommandType(t) {
		return nil, fmt.Errorf("unknown command type %q", t)
	}
	if err := models.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	ok, err := q.directory.Exists(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("check device %q: %w", deviceID, err)
	}
	if !ok {
		return nil, ErrDeviceUnknown
	}

	cmd := &models.Command{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Type:      t,
		Payload:   payload,
		Status:    models.CommandPending,
		CreatedAt: q.now(),
	}
	if err := store.DefaultRetry.Do(ctx, func() error {
		return q.store.Insert(ctx, cmd)
	}); err != nil {
		return nil, err
	}

	commandsEnqueuedTotal.WithLabelValues(string(t)).Inc()
	q.publish(ctx, TopicCommandEnqueued, cmd)
	q.logger.Debug("command enqueued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", deviceID),
		zap.String("type", string(t)),
	)
	return cmd, nil
}

// BranchFailure records one device that rejected its command during a branch
// fan-out.
type BranchFailure struct {
	DeviceID string `json:"device_id"`
	Error    string `json:"error"`
}

// BranchResult is the outcome of a branch fan-out: the commands that were
// enqueued and the devices whose enqueue was rejected.
type BranchResult struct {
	Commands []models.Command `json:"commands"`
	Failures []BranchFailure  `json:"failures,omitempty"`
}

// EnqueueForBranch fans one command out to every device in a branch. Each
// device gets its own independent command; a rejected device never blocks the
// rest of the branch, it just lands in the result's failure list.
func (q *Queue) EnqueueForBranch(ctx context.Context, branchID string, t models.CommandType, payload json.RawMessage) (*BranchResult, error) {
	devices, err := q.directory.DevicesInBranch(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch %q: %w", branchID, err)
	}

	res := &BranchResult{Commands: make([]models.Command, 0, len(devices))}
	for _, d := range devices {
		cmd, err := q.Enqueue(ctx, d.ID, t, payload)
		if err != nil {
			res.Failures = append(res.Failures, BranchFailure{DeviceID: d.ID, Error: err.Error()})
			q.logger.Warn("branch fan-out: device rejected command",
				zap.String("branch_id", branchID),
				zap.String("device_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		res.Commands = append(res.Commands, *cmd)
	}
	return res, nil
}

// NextDue returns the device's next deliverable command, transitioning it to
// Sent, or nil when nothing is due. While one command is in flight nothing
// else dispatches for that device, whatever is queued behind it.
func (q *Queue) NextDue(ctx context.Context, deviceID string) (*models.Command, error) {
	unlock := q.locks.lock(deviceID)
	defer unlock()

	if _, err := q.store.InFlight(ctx, deviceID); err == nil {
		return nil, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	cmd, err := q.store.OldestPending(ctx, deviceID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.now()
	if err := store.DefaultRetry.Do(ctx, func() error {
		return q.store.MarkSent(ctx, cmd.ID, now)
	}); err != nil {
		return nil, err
	}
	cmd.Status = models.CommandSent
	cmd.SentAt = &now

	commandsInFlight.Inc()
	q.publish(ctx, TopicCommandSent, cmd)
	q.logger.Info("command dispatched",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", deviceID),
		zap.String("type", string(cmd.Type)),
	)
	return cmd, nil
}

// ReportResult records the device's execution outcome for a Sent command.
// Results for already-terminal commands are accepted and ignored, so devices
// can retry result delivery safely. Results for never-sent commands are
// rejected with ErrNotSent.
func (q *Queue) ReportResult(ctx context.Context, commandID string, success bool, result, errMsg string) (*models.Command, error) {
	cmd, err := q.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}

	unlock := q.locks.lock(cmd.DeviceID)
	defer unlock()

	// Re-read under the lock: the timeout sweep may have resolved it.
	cmd, err = q.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status.Terminal() {
		return cmd, nil
	}
	if cmd.Status != models.CommandSent {
		return nil, ErrNotSent
	}

	status := models.CommandAcked
	if !success {
		status = models.CommandFailed
	}
	now := q.now()
	if err := store.DefaultRetry.Do(ctx, func() error {
		return q.store.Resolve(ctx, commandID, status, result, errMsg, now)
	}); err != nil {
		return nil, err
	}
	cmd.Status = status
	cmd.Result = result
	cmd.Error = errMsg
	cmd.ResolvedAt = &now

	q.resolved(ctx, cmd)
	if status == models.CommandFailed {
		q.notifier.Notify(ctx, notify.Event{
			Title:    "Command failed",
			Message:  fmt.Sprintf("%s on device %s failed: %s", cmd.Type, cmd.DeviceID, errMsg),
			DeviceID: cmd.DeviceID,
			At:       now,
		})
	}
	return cmd, nil
}

// Cancel moves a live command to Cancelled. Cancelling an already-cancelled
// command is a no-op; other terminal statuses report ErrTerminal. A Sent
// command can still be cancelled: the device may execute it anyway, but no
// result will be recorded.
func (q *Queue) Cancel(ctx context.Context, commandID string) (*models.Command, error) {
	cmd, err := q.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}

	unlock := q.locks.lock(cmd.DeviceID)
	defer unlock()

	cmd, err = q.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status == models.CommandCancelled {
		return cmd, nil
	}
	if cmd.Status.Terminal() {
		return nil, ErrTerminal
	}

	now := q.now()
	wasSent := cmd.Status == models.CommandSent
	err = store.DefaultRetry.Do(ctx, func() error {
		res, err := q.store.db.ExecContext(ctx, `
			UPDATE dispatch_commands SET status = 'cancelled', resolved_at = ?
			WHERE id = ? AND status IN ('pending', 'sent')`, now, commandID)
		if err != nil {
			return fmt.Errorf("cancel command: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTerminal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	cmd.Status = models.CommandCancelled
	cmd.ResolvedAt = &now

	if wasSent {
		commandsInFlight.Dec()
	}
	commandsResolvedTotal.WithLabelValues(string(models.CommandCancelled)).Inc()
	q.publish(ctx, TopicCommandResolved, cmd)
	return cmd, nil
}

// CancelAllForDevice cancels every live command for a device. Used when a
// device is force-deleted from the registry.
func (q *Queue) CancelAllForDevice(ctx context.Context, deviceID string) (int, error) {
	unlock := q.locks.lock(deviceID)
	defer unlock()

	_, inFlightErr := q.store.InFlight(ctx, deviceID)
	n, err := q.store.CancelNonTerminal(ctx, deviceID, q.now())
	if err != nil {
		return 0, err
	}
	// Only adjust the gauge once the cancel actually landed.
	if inFlightErr == nil && n > 0 {
		commandsInFlight.Dec()
	}
	if n > 0 {
		q.logger.Info("cancelled all commands for device",
			zap.String("device_id", deviceID),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// HasPending reports whether the device has any live (Pending or Sent) commands.
func (q *Queue) HasPending(ctx context.Context, deviceID string) (bool, error) {
	n, err := q.store.CountNonTerminal(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns one command by ID.
func (q *Queue) Get(ctx context.Context, commandID string) (*models.Command, error) {
	return q.store.Get(ctx, commandID)
}

// History returns the device's command history, newest first.
func (q *Queue) History(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	return q.store.ListByDevice(ctx, deviceID, limit)
}

// sweepOnce times out in-flight commands whose delivery window has elapsed.
// A timed-out command frees its device's queue: the next pending command
// becomes dispatchable on the device's next poll. There is no automatic retry.
func (q *Queue) sweepOnce(ctx context.Context) {
	sent, err := q.store.ListSent(ctx)
	if err != nil {
		q.logger.Error("timeout sweep: list in-flight commands", zap.Error(err))
		return
	}

	now := q.now()
	for i := range sent {
		cmd := &sent[i]
		if cmd.SentAt == nil {
			continue
		}
		deadline := cmd.SentAt.Add(q.cfg.TimeoutFor(cmd.Type))
		if now.Before(deadline) {
			continue
		}
		q.timeout(ctx, cmd, now)
	}
}

func (q *Queue) timeout(ctx context.Context, cmd *models.Command, now time.Time) {
	unlock := q.locks.lock(cmd.DeviceID)
	defer unlock()

	// A result may have landed between the listing and the lock.
	err := q.store.Resolve(ctx, cmd.ID, models.CommandTimedOut, "",
		fmt.Sprintf("no result within %s", q.cfg.TimeoutFor(cmd.Type)), now)
	if err == ErrNotFound {
		return
	}
	if err != nil {
		q.logger.Error("timeout sweep: resolve command",
			zap.String("command_id", cmd.ID),
			zap.Error(err),
		)
		return
	}
	cmd.Status = models.CommandTimedOut
	cmd.ResolvedAt = &now

	q.resolved(ctx, cmd)
	q.notifier.Notify(ctx, notify.Event{
		Title:    "Command timed out",
		Message:  fmt.Sprintf("%s on device %s got no result within %s", cmd.Type, cmd.DeviceID, q.cfg.TimeoutFor(cmd.Type)),
		DeviceID: cmd.DeviceID,
		At:       now,
	})
	q.logger.Warn("command timed out",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("type", string(cmd.Type)),
	)
}

// resolved records metrics and publishes the resolution event for a command
// that just left Sent.
func (q *Queue) resolved(ctx context.Context, cmd *models.Command) {
	commandsInFlight.Dec()
	commandsResolvedTotal.WithLabelValues(string(cmd.Status)).Inc()
	q.publish(ctx, TopicCommandResolved, cmd)
}

func (q *Queue) publish(ctx context.Context, topic string, cmd *models.Command) {
	q.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "dispatch",
		Timestamp: q.now(),
		Payload: &CommandEvent{
			CommandID: cmd.ID,
			DeviceID:  cmd.DeviceID,
			Type:      string(cmd.Type),
			Status:    string(cmd.Status),
		},
	})
}
