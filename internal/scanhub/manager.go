package scanhub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/pkg/models"
)

// PrinterDirectory resolves printer devices. Implemented by the fleet module.
type PrinterDirectory interface {
	Device(ctx context.Context, deviceID string) (*models.Device, error)
}

// ErrNotAPrinter rejects scan sessions against non-printer devices.
var ErrNotAPrinter = errors.New("device is not a printer")

// Manager owns scan session lifecycles: one running session per printer,
// a poller per session, and an idle watchdog.
type Manager struct {
	logger   *zap.Logger
	cfg      Config
	store    *ScanStore
	dir      PrinterDirectory
	source   Source
	notifier notify.Notifier
	now      func() time.Time

	mu      sync.Mutex
	pollers map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(logger *zap.Logger, cfg Config, ss *ScanStore, dir PrinterDirectory, source Source, notifier notify.Notifier) *Manager {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		store:    ss,
		dir:      dir,
		source:   source,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		pollers:  make(map[string]context.CancelFunc),
	}
}

// StartSession begins a scan session for the printer. At most one running
// session exists per printer; a second start fails with ErrSessionRunning.
func (m *Manager) StartSession(ctx context.Context, printerID string) (*models.ScanSession, error) {
	printer, err := m.dir.Device(ctx, printerID)
	if err != nil {
		return nil, err
	}
	if printer.Kind != models.DeviceKindPrinter {
		return nil, ErrNotAPrinter
	}

	// The lock serializes the existence check and insert, so two concurrent
	// starts cannot both create a session.
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.RunningByPrinter(ctx, printerID); err == nil {
		return nil, ErrSessionRunning
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess := &models.ScanSession{
		ID:        uuid.New().String(),
		PrinterID: printerID,
		Status:    models.SessionRunning,
		StartedAt: m.now(),
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}

	m.startPoller(sess.ID, printer)
	sessionsStartedTotal.Inc()
	m.logger.Info("scan session started",
		zap.String("session_id", sess.ID),
		zap.String("printer_id", printerID),
	)
	return sess, nil
}

// StopSession finishes a running session. Stopping an already-finished
// session reports ErrSessionNotRunning.
func (m *Manager) StopSession(ctx context.Context, sessionID string) (*models.ScanSession, error) {
	return m.finishSession(ctx, sessionID, models.SessionStopped)
}

func (m *Manager) finishSession(ctx context.Context, sessionID string, status models.SessionStatus) (*models.ScanSession, error) {
	if err := m.store.FinishSession(ctx, sessionID, status, m.now()); err != nil {
		if errors.Is(err, ErrSessionNotRunning) {
			// Distinguish unknown sessions from finished ones.
			if _, getErr := m.store.GetSession(ctx, sessionID); getErr != nil {
				return nil, getErr
			}
		}
		return nil, err
	}
	m.stopPoller(sessionID)

	sessionsFinishedTotal.WithLabelValues(string(status)).Inc()
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Files, _ = m.store.FilesBySession(ctx, sessionID)
	m.logger.Info("scan session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Int("files", len(sess.Files)),
	)
	return sess, nil
}

// startPoller launches the per-session document poller. Caller holds m.mu or
// is otherwise the only writer for this session ID.
func (m *Manager) startPoller(sessionID string, printer *models.Device) {
	ctx, cancel := context.WithCancel(context.Background())
	m.pollers[sessionID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.pollOnce(ctx, sessionID, printer); err != nil {
					m.logger.Debug("scan poll failed",
						zap.String("session_id", sessionID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

func (m *Manager) stopPoller(sessionID string) {
	m.mu.Lock()
	cancel, ok := m.pollers[sessionID]
	if ok {
		delete(m.pollers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// pollOnce fetches ready documents from the printer and persists them as
// session artifacts.
func (m *Manager) pollOnce(ctx context.Context, sessionID string, printer *models.Device) error {
	docs, err := m.source.Fetch(ctx, printer)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := m.saveDocument(ctx, sessionID, doc); err != nil {
			return err
		}
	}
	return nil
}

// saveDocument writes the document to the session's storage directory and
// records it, updating the session's activity timestamp.
func (m *Manager) saveDocument(ctx context.Context, sessionID string, doc Document) error {
	dir := filepath.Join(m.cfg.StorageDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	fileID := uuid.New().String()
	name := filepath.Base(doc.Name)
	if name == "" || name == "." {
		name = fileID + ".pdf"
	}
	path := filepath.Join(dir, fileID+"-"+name)
	if err := os.WriteFile(path, doc.Data, 0o644); err != nil {
		return fmt.Errorf("write scan artifact: %w", err)
	}

	sum := sha256.Sum256(doc.Data)
	now := m.now()
	file := &models.ScanFile{
		ID:        fileID,
		SessionID: sessionID,
		Name:      name,
		Size:      int64(len(doc.Data)),
		Checksum:  hex.EncodeToString(sum[:]),
		Path:      path,
		CreatedAt: now,
	}
	if err := m.store.InsertFile(ctx, file); err != nil {
		// Keep the table and the disk consistent.
		os.Remove(path)
		return err
	}
	if err := m.store.TouchLastFile(ctx, sessionID, now); err != nil {
		return err
	}

	filesSavedTotal.Inc()
	m.logger.Info("scan document saved",
		zap.String("session_id", sessionID),
		zap.String("file_id", fileID),
		zap.String("name", name),
		zap.Int64("size", file.Size),
	)
	return nil
}

// watchdogOnce expires running sessions with no document activity inside the
// idle window. Activity is the last file time, or the session start before
// any file arrived.
func (m *Manager) watchdogOnce(ctx context.Context) {
	sessions, err := m.store.ListRunning(ctx)
	if err != nil {
		m.logger.Error("scan watchdog: list running sessions", zap.Error(err))
		return
	}

	now := m.now()
	for i := range sessions {
		sess := &sessions[i]
		activity := sess.StartedAt
		if sess.LastFileAt != nil && sess.LastFileAt.After(activity) {
			activity = *sess.LastFileAt
		}
		if now.Sub(activity) < m.cfg.IdleTimeout {
			continue
		}

		if _, err := m.finishSession(ctx, sess.ID, models.SessionExpired); err != nil {
			m.logger.Error("scan watchdog: expire session",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			continue
		}
		m.notifier.Notify(ctx, notify.Event{
			Title:    "Scan session expired",
			Message:  fmt.Sprintf("session %s on printer %s saw no documents for %s", sess.ID, sess.PrinterID, m.cfg.IdleTimeout),
			DeviceID: sess.PrinterID,
			At:       now,
		})
	}
}

// DeleteFile removes a file artifact from disk and from the store.
func (m *Manager) DeleteFile(ctx context.Context, fileID string) error {
	f, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("scan artifact removal failed", zap.String("path", f.Path), zap.Error(err))
	}
	return nil
}

// DeleteSession removes a finished session, its file rows, and its artifacts.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionRunning {
		return ErrSessionRunning
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.cfg.StorageDir, sessionID)); err != nil {
		m.logger.Warn("session artifact removal failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// StopAll cancels every poller and waits for them to drain. Running sessions
// stay running in the store and resume expiring via the watchdog after a
// restart.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for id, cancel := range m.pollers {
		cancel()
		delete(m.pollers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// lookupErrNotFound reports whether the error is the fleet registry's
// not-found sentinel.
func lookupErrNotFound(err error) bool {
	return errors.Is(err, fleet.ErrNotFound)
}
