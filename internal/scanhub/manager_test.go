package scanhub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/internal/store"
	"github.com/branchops/fleetd/internal/testutil"
	"github.com/branchops/fleetd/pkg/models"
)

// fakeDirectory serves a fixed set of devices.
type fakeDirectory struct {
	devices map[string]*models.Device
}

func (d *fakeDirectory) Device(_ context.Context, id string) (*models.Device, error) {
	if dev, ok := d.devices[id]; ok {
		return dev, nil
	}
	return nil, fleet.ErrNotFound
}

// fakeSource hands out queued documents once.
type fakeSource struct {
	docs []Document
	err  error
}

func (s *fakeSource) Fetch(_ context.Context, _ *models.Device) ([]Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	docs := s.docs
	s.docs = nil
	return docs, nil
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.events = append(n.events, e)
}

func newTestManager(t *testing.T, source Source) (*Manager, *testutil.Clock, *recordingNotifier) {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), "scanhub", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := &fakeDirectory{devices: map[string]*models.Device{
		"prn-1": {ID: "prn-1", Kind: models.DeviceKindPrinter, CurrentIP: "10.0.0.50"},
		"prn-2": {ID: "prn-2", Kind: models.DeviceKindPrinter, CurrentIP: "10.0.0.51"},
		"tv-1":  {ID: "tv-1", Kind: models.DeviceKindMediaPlayer},
	}}

	cfg := DefaultConfig()
	cfg.StorageDir = t.TempDir()
	cfg.PollInterval = time.Hour // pollers never tick in tests; pollOnce is driven directly

	clock := testutil.NewClock()
	notifier := &recordingNotifier{}
	m := NewManager(zap.NewNop(), cfg, NewScanStore(db.DB()), dir, source, notifier)
	m.now = clock.Now
	t.Cleanup(m.StopAll)
	return m, clock, notifier
}

func TestStartSessionSingleRunningPerPrinter(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeSource{})
	ctx := context.Background()

	first, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if first.Status != models.SessionRunning {
		t.Errorf("status = %q, want running", first.Status)
	}

	if _, err := m.StartSession(ctx, "prn-1"); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionRunning", err)
	}

	// A different printer is unaffected.
	if _, err := m.StartSession(ctx, "prn-2"); err != nil {
		t.Fatalf("StartSession(prn-2) error = %v", err)
	}

	// Stopping frees the printer for a new session.
	if _, err := m.StopSession(ctx, first.ID); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if _, err := m.StartSession(ctx, "prn-1"); err != nil {
		t.Fatalf("StartSession() after stop error = %v", err)
	}
}

func TestStartSessionRejectsNonPrinters(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeSource{})
	ctx := context.Background()

	if _, err := m.StartSession(ctx, "tv-1"); !errors.Is(err, ErrNotAPrinter) {
		t.Errorf("StartSession(media player) error = %v, want ErrNotAPrinter", err)
	}
	if _, err := m.StartSession(ctx, "ghost"); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("StartSession(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestPollSavesDocumentsWithChecksum(t *testing.T) {
	data := []byte("%PDF-1.4 fake scanned page")
	source := &fakeSource{docs: []Document{{Name: "invoice.pdf", Data: data}}}
	m, _, _ := newTestManager(t, source)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	printer, _ := m.dir.Device(ctx, "prn-1")
	if err := m.pollOnce(ctx, sess.ID, printer); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	files, err := m.store.FilesBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FilesBySession() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}

	f := files[0]
	if f.Name != "invoice.pdf" {
		t.Errorf("name = %q, want invoice.pdf", f.Name)
	}
	if f.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", f.Size, len(data))
	}
	sum := sha256.Sum256(data)
	if f.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %q, want sha256 of content", f.Checksum)
	}

	onDisk, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(onDisk) != string(data) {
		t.Error("artifact content does not match source document")
	}

	got, _ := m.store.GetSession(ctx, sess.ID)
	if got.LastFileAt == nil {
		t.Error("LastFileAt not updated after document arrival")
	}
}

func TestStopSessionTwice(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeSource{})
	ctx := context.Background()

	sess, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	stopped, err := m.StopSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if stopped.Status != models.SessionStopped || stopped.StoppedAt == nil {
		t.Errorf("session = %+v, want stopped with timestamp", stopped)
	}

	if _, err := m.StopSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("StopSession() twice error = %v, want ErrSessionNotRunning", err)
	}
	if _, err := m.StopSession(ctx, "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("StopSession(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestWatchdogExpiresIdleSessions(t *testing.T) {
	m, clock, notifier := newTestManager(t, &fakeSource{})
	ctx := context.Background()

	idle, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	// A session with recent document activity must survive the sweep.
	clock.Advance(m.cfg.IdleTimeout - time.Second)
	active, err := m.StartSession(ctx, "prn-2")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	clock.Advance(2 * time.Second)
	m.watchdogOnce(ctx)

	got, _ := m.store.GetSession(ctx, idle.ID)
	if got.Status != models.SessionExpired {
		t.Errorf("idle session status = %q, want expired", got.Status)
	}
	got, _ = m.store.GetSession(ctx, active.ID)
	if got.Status != models.SessionRunning {
		t.Errorf("active session status = %q, want still running", got.Status)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1 for the expiry", len(notifier.events))
	}
	if notifier.events[0].DeviceID != "prn-1" {
		t.Errorf("notification device = %q, want prn-1", notifier.events[0].DeviceID)
	}
}

func TestWatchdogCountsFileActivityNotStart(t *testing.T) {
	source := &fakeSource{docs: []Document{{Name: "page.pdf", Data: []byte("data")}}}
	m, clock, _ := newTestManager(t, source)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	// A document arrives near the end of the first idle window: the window
	// restarts from the file, not the session start.
	clock.Advance(m.cfg.IdleTimeout - time.Second)
	printer, _ := m.dir.Device(ctx, "prn-1")
	if err := m.pollOnce(ctx, sess.ID, printer); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	clock.Advance(2 * time.Second)
	m.watchdogOnce(ctx)

	got, _ := m.store.GetSession(ctx, sess.ID)
	if got.Status != models.SessionRunning {
		t.Errorf("status = %q, want running (activity resets the idle window)", got.Status)
	}
}

func TestDeleteSessionAndArtifacts(t *testing.T) {
	source := &fakeSource{docs: []Document{{Name: "page.pdf", Data: []byte("data")}}}
	m, _, _ := newTestManager(t, source)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	printer, _ := m.dir.Device(ctx, "prn-1")
	if err := m.pollOnce(ctx, sess.ID, printer); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	// Running sessions cannot be deleted.
	if err := m.DeleteSession(ctx, sess.ID); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("DeleteSession(running) error = %v, want ErrSessionRunning", err)
	}

	files, _ := m.store.FilesBySession(ctx, sess.ID)
	if _, err := m.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if err := m.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	if _, err := m.store.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}
	if _, err := os.Stat(files[0].Path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk after session delete: %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	source := &fakeSource{docs: []Document{{Name: "page.pdf", Data: []byte("data")}}}
	m, _, _ := newTestManager(t, source)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, "prn-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	printer, _ := m.dir.Device(ctx, "prn-1")
	if err := m.pollOnce(ctx, sess.ID, printer); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}
	files, _ := m.store.FilesBySession(ctx, sess.ID)

	if err := m.DeleteFile(ctx, files[0].ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if _, err := os.Stat(files[0].Path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk after delete: %v", err)
	}
	if err := m.DeleteFile(ctx, files[0].ID); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("DeleteFile() twice error = %v, want ErrFileNotFound", err)
	}
}
