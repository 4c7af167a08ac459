package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/internal/store"
	"github.com/branchops/fleetd/internal/testutil"
	"github.com/branchops/fleetd/pkg/models"
)

// stubDirectory is a DeviceDirectory with canned membership.
type stubDirectory struct {
	known    map[string]bool
	branches map[string][]models.Device
}

func (d *stubDirectory) Exists(_ context.Context, deviceID string) (bool, error) {
	return d.known[deviceID], nil
}

func (d *stubDirectory) DevicesInBranch(_ context.Context, branchID string) ([]models.Device, error) {
	return d.branches[branchID], nil
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.events = append(n.events, e)
}

// newTestQueue builds a Queue against an in-memory store with a controllable
// clock and a directory that knows devices d1, d2 and branch b1.
func newTestQueue(t *testing.T) (*Queue, *testutil.Clock, *recordingNotifier) {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), "dispatch", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := &stubDirectory{
		known: map[string]bool{"d1": true, "d2": true},
		branches: map[string][]models.Device{
			"b1": {{ID: "d1", BranchID: "b1"}, {ID: "d2", BranchID: "b1"}},
		},
	}
	clock := testutil.NewClock()
	notifier := &recordingNotifier{}
	q := NewQueue(zap.NewNop(), DefaultConfig(), NewDispatchStore(db.DB()), dir, testutil.NewMockBus(), notifier)
	q.now = clock.Now
	return q, clock, notifier
}

func mustEnqueue(t *testing.T, q *Queue, deviceID string, ct models.CommandType) *models.Command {
	t.Helper()
	cmd, err := q.Enqueue(context.Background(), deviceID, ct, nil)
	if err != nil {
		t.Fatalf("Enqueue(%s, %s) error = %v", deviceID, ct, err)
	}
	return cmd
}

func TestEnqueueUnknownDeviceRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), "ghost", models.CommandReboot, nil); !errors.Is(err, ErrDeviceUnknown) {
		t.Fatalf("Enqueue() error = %v, want ErrDeviceUnknown", err)
	}
}

func TestEnqueueInvalidPayloadRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	// configure_wifi without an SSID must never enter the queue.
	if _, err := q.Enqueue(context.Background(), "d1", models.CommandConfigureWifi, []byte(`{"dhcp":true}`)); err == nil {
		t.Fatal("Enqueue() accepted configure_wifi without ssid")
	}
}

func TestFIFODispatchSingleInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first := mustEnqueue(t, q, "d1", models.CommandReboot)
	second := mustEnqueue(t, q, "d1", models.CommandGetStatus)
	third := mustEnqueue(t, q, "d1", models.CommandSyncTime)

	got, err := q.NextDue(ctx, "d1")
	if err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("NextDue() = %+v, want first enqueued %s", got, first.ID)
	}
	if got.Status != models.CommandSent {
		t.Errorf("dispatched status = %q, want sent", got.Status)
	}

	// While the first command is in flight nothing else dispatches, however
	// often the device polls.
	for i := 0; i < 3; i++ {
		if got, err := q.NextDue(ctx, "d1"); err != nil || got != nil {
			t.Fatalf("NextDue() with in-flight = (%+v, %v), want (nil, nil)", got, err)
		}
	}

	// Acking frees the queue; commands come out in enqueue order.
	if _, err := q.ReportResult(ctx, first.ID, true, "ok", ""); err != nil {
		t.Fatalf("ReportResult() error = %v", err)
	}
	got, err = q.NextDue(ctx, "d1")
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("NextDue() after ack = (%+v, %v), want second %s", got, err, second.ID)
	}
	if _, err := q.ReportResult(ctx, second.ID, true, "", ""); err != nil {
		t.Fatalf("ReportResult() error = %v", err)
	}
	got, err = q.NextDue(ctx, "d1")
	if err != nil || got == nil || got.ID != third.ID {
		t.Fatalf("NextDue() = (%+v, %v), want third %s", got, err, third.ID)
	}
}

func TestQueuesAreIndependentPerDevice(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	c1 := mustEnqueue(t, q, "d1", models.CommandReboot)
	c2 := mustEnqueue(t, q, "d2", models.CommandReboot)

	// An in-flight command on d1 must not block d2.
	if got, _ := q.NextDue(ctx, "d1"); got == nil || got.ID != c1.ID {
		t.Fatalf("NextDue(d1) = %+v, want %s", got, c1.ID)
	}
	if got, _ := q.NextDue(ctx, "d2"); got == nil || got.ID != c2.ID {
		t.Fatalf("NextDue(d2) = %+v, want %s", got, c2.ID)
	}
}

func TestReportResultIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	cmd := mustEnqueue(t, q, "d1", models.CommandGetStatus)
	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	first, err := q.ReportResult(ctx, cmd.ID, true, "battery 80%", "")
	if err != nil {
		t.Fatalf("ReportResult() error = %v", err)
	}
	if first.Status != models.CommandAcked {
		t.Fatalf("status = %q, want acked", first.Status)
	}

	// A duplicate delivery, even with different content, changes nothing.
	second, err := q.ReportResult(ctx, cmd.ID, false, "", "late contradictory report")
	if err != nil {
		t.Fatalf("ReportResult() duplicate error = %v", err)
	}
	if second.Status != models.CommandAcked {
		t.Errorf("status after duplicate = %q, want acked", second.Status)
	}
	if second.Result != "battery 80%" {
		t.Errorf("result after duplicate = %q, want original preserved", second.Result)
	}
}

func TestReportResultForPendingRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	cmd := mustEnqueue(t, q, "d1", models.CommandReboot)

	if _, err := q.ReportResult(context.Background(), cmd.ID, true, "", ""); !errors.Is(err, ErrNotSent) {
		t.Fatalf("ReportResult() on pending error = %v, want ErrNotSent", err)
	}
}

func TestFailedResultNotifies(t *testing.T) {
	q, _, notifier := newTestQueue(t)
	ctx := context.Background()

	cmd := mustEnqueue(t, q, "d1", models.CommandRestartApp)
	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}
	if _, err := q.ReportResult(ctx, cmd.ID, false, "", "process would not stop"); err != nil {
		t.Fatalf("ReportResult() error = %v", err)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.events))
	}
	if notifier.events[0].DeviceID != "d1" {
		t.Errorf("notification device = %q, want d1", notifier.events[0].DeviceID)
	}
}

func TestTimeoutFreesQueueForNextCommand(t *testing.T) {
	q, clock, notifier := newTestQueue(t)
	ctx := context.Background()

	reboot := mustEnqueue(t, q, "d1", models.CommandReboot)
	followup := mustEnqueue(t, q, "d1", models.CommandGetStatus)

	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	// No result within the delivery window: the sweep times the command out.
	clock.Advance(q.cfg.TimeoutFor(models.CommandReboot) + time.Second)
	q.sweepOnce(ctx)

	got, err := q.Get(ctx, reboot.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.CommandTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}
	if len(notifier.events) != 1 {
		t.Errorf("notifications = %d, want 1 for the timeout", len(notifier.events))
	}

	// The next command in the queue is now dispatchable.
	next, err := q.NextDue(ctx, "d1")
	if err != nil || next == nil || next.ID != followup.ID {
		t.Fatalf("NextDue() after timeout = (%+v, %v), want %s", next, err, followup.ID)
	}
}

func TestTimeoutHonorsPerTypeWindows(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	// update_app gets a long window; a sweep after the default timeout must
	// not touch it.
	update, err := q.Enqueue(ctx, "d1", models.CommandUpdateApp,
		[]byte(`{"url":"https://updates.example/app.apk","version":"2.0.0"}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	clock.Advance(q.cfg.DefaultTimeout + time.Second)
	q.sweepOnce(ctx)

	got, _ := q.Get(ctx, update.ID)
	if got.Status != models.CommandSent {
		t.Fatalf("status after default window = %q, want still sent", got.Status)
	}

	clock.Advance(q.cfg.TimeoutFor(models.CommandUpdateApp))
	q.sweepOnce(ctx)
	got, _ = q.Get(ctx, update.ID)
	if got.Status != models.CommandTimedOut {
		t.Fatalf("status after update_app window = %q, want timed_out", got.Status)
	}
}

func TestResultAfterTimeoutIsNoOp(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	cmd := mustEnqueue(t, q, "d1", models.CommandReboot)
	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	clock.Advance(q.cfg.DefaultTimeout + time.Second)
	q.sweepOnce(ctx)

	// The device finally answers after the window closed: accepted, ignored.
	got, err := q.ReportResult(ctx, cmd.ID, true, "rebooted", "")
	if err != nil {
		t.Fatalf("ReportResult() after timeout error = %v", err)
	}
	if got.Status != models.CommandTimedOut {
		t.Errorf("status = %q, want timed_out preserved", got.Status)
	}
}

func TestCancelPendingAndTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	cmd := mustEnqueue(t, q, "d1", models.CommandReboot)

	got, err := q.Cancel(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != models.CommandCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	// Cancelling again is a no-op.
	if _, err := q.Cancel(ctx, cmd.ID); err != nil {
		t.Fatalf("Cancel() twice error = %v", err)
	}

	// Cancelling an acked command is a conflict.
	acked := mustEnqueue(t, q, "d1", models.CommandGetStatus)
	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}
	if _, err := q.ReportResult(ctx, acked.ID, true, "", ""); err != nil {
		t.Fatalf("ReportResult() error = %v", err)
	}
	if _, err := q.Cancel(ctx, acked.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Cancel() on acked error = %v, want ErrTerminal", err)
	}
}

func TestCancelAllForDevice(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	mustEnqueue(t, q, "d1", models.CommandReboot)
	mustEnqueue(t, q, "d1", models.CommandGetStatus)

	baseline := promtestutil.ToFloat64(commandsInFlight)
	if _, err := q.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	if pending, _ := q.HasPending(ctx, "d1"); !pending {
		t.Fatal("HasPending() = false, want true")
	}

	n, err := q.CancelAllForDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("CancelAllForDevice() error = %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled = %d, want 2 (one sent, one pending)", n)
	}
	if pending, _ := q.HasPending(ctx, "d1"); pending {
		t.Error("HasPending() = true after cancel-all")
	}
	// The in-flight gauge returns to where it started: the dispatched
	// command's increment is undone exactly once.
	if got := promtestutil.ToFloat64(commandsInFlight); got != baseline {
		t.Errorf("in-flight gauge = %v after cancel-all, want %v", got, baseline)
	}
}

func TestBranchFanOut(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.EnqueueForBranch(ctx, "b1", models.CommandSyncTime, nil)
	if err != nil {
		t.Fatalf("EnqueueForBranch() error = %v", err)
	}
	if len(res.Commands) != 2 {
		t.Fatalf("fan-out produced %d commands, want 2", len(res.Commands))
	}
	if len(res.Failures) != 0 {
		t.Fatalf("failures = %+v, want none", res.Failures)
	}

	// Each device got its own independent command.
	seen := map[string]bool{}
	for _, c := range res.Commands {
		if c.Type != models.CommandSyncTime || c.Status != models.CommandPending {
			t.Errorf("command = %+v, want pending sync_time", c)
		}
		seen[c.DeviceID] = true
	}
	if !seen["d1"] || !seen["d2"] {
		t.Errorf("fan-out devices = %v, want d1 and d2", seen)
	}

	// Resolving one device's command leaves the other untouched.
	if got, _ := q.NextDue(ctx, "d1"); got == nil {
		t.Fatal("NextDue(d1) = nil, want sync_time command")
	}
	if c2, _ := q.Get(ctx, res.Commands[1].ID); c2.DeviceID == "d2" && c2.Status != models.CommandPending {
		t.Errorf("d2 command status = %q, want pending", c2.Status)
	}
}

func TestBranchFanOutSkipsRejectedDevices(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	// A stale membership entry in the middle of the branch must not stop the
	// devices listed after it from getting their command.
	q.directory.(*stubDirectory).branches["b2"] = []models.Device{
		{ID: "d1", BranchID: "b2"},
		{ID: "ghost", BranchID: "b2"},
		{ID: "d2", BranchID: "b2"},
	}

	res, err := q.EnqueueForBranch(ctx, "b2", models.CommandSyncTime, nil)
	if err != nil {
		t.Fatalf("EnqueueForBranch() error = %v", err)
	}

	enqueued := map[string]bool{}
	for _, c := range res.Commands {
		enqueued[c.DeviceID] = true
	}
	if !enqueued["d1"] || !enqueued["d2"] || len(res.Commands) != 2 {
		t.Errorf("fan-out reached %v, want d1 and d2", enqueued)
	}

	if len(res.Failures) != 1 {
		t.Fatalf("failures = %+v, want exactly the unregistered device", res.Failures)
	}
	if res.Failures[0].DeviceID != "ghost" {
		t.Errorf("failed device = %q, want ghost", res.Failures[0].DeviceID)
	}

	// d2's command is really in its queue, not just in the response.
	if got, _ := q.NextDue(ctx, "d2"); got == nil || got.Type != models.CommandSyncTime {
		t.Errorf("NextDue(d2) = %+v, want the fanned-out sync_time", got)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	mustEnqueue(t, q, "d1", models.CommandReboot)
	clock.Advance(time.Second)
	newest := mustEnqueue(t, q, "d1", models.CommandGetStatus)

	history, err := q.History(ctx, "d1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != newest.ID {
		t.Errorf("history[0] = %s, want newest %s", history[0].ID, newest.ID)
	}
}
