package sweep

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// DeviceRegistry is the slice of the fleet registry the sweeper needs: dedupe
// lookups and upserts for discovered printers. Implemented by the fleet module.
type DeviceRegistry interface {
	RegisterOrUpdate(ctx context.Context, device *models.Device) (*models.Device, error)
	LookupByMAC(ctx context.Context, mac string) (*models.Device, error)
	LookupByIP(ctx context.Context, ip string) (*models.Device, error)
	ListPrinters(ctx context.Context) ([]models.Device, error)
}

// ErrTooManyHosts rejects sweeps over subnets above the configured host cap.
var ErrTooManyHosts = errors.New("subnet exceeds host limit")

// ErrRunNotActive indicates a cancel for a run that already finished.
var ErrRunNotActive = errors.New("sweep run not active")

// Sweeper executes bounded-concurrency discovery sweeps over subnets.
type Sweeper struct {
	logger     *zap.Logger
	cfg        Config
	store      *SweepStore
	registry   DeviceRegistry
	prober     fleet.Prober
	identifier Identifier
	bus        plugin.EventBus
	limiter    *rate.Limiter
	now        func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper.
func NewSweeper(logger *zap.Logger, cfg Config, ss *SweepStore, reg DeviceRegistry, prober fleet.Prober, ident Identifier, bus plugin.EventBus) *Sweeper {
	return &Sweeper{
		logger:     logger,
		cfg:        cfg,
		store:      ss,
		registry:   reg,
		prober:     prober,
		identifier: ident,
		bus:        bus,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ProbeRate), cfg.Workers),
		now:        func() time.Time { return time.Now().UTC() },
		active:     make(map[string]context.CancelFunc),
	}
}

// Start launches a sweep over the subnet and returns immediately with the run
// record. The sweep itself proceeds in the background; progress and outcome
// land in the run row.
func (s *Sweeper) Start(ctx context.Context, subnet, branchID string) (*models.SweepRun, error) {
	hosts, err := enumerateHosts(subnet, s.cfg.MaxHosts)
	if err != nil {
		return nil, err
	}

	run := &models.SweepRun{
		ID:        uuid.New().String(),
		Subnet:    subnet,
		BranchID:  branchID,
		Status:    models.SweepRunning,
		StartedAt: s.now(),
	}
	if err := s.store.Insert(ctx, run); err != nil {
		return nil, err
	}

	// The run outlives the request; it is cancelled through the active map,
	// not the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.run(runCtx, run, hosts)
	}()

	s.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicSweepStarted,
		Source:    "sweep",
		Timestamp: run.StartedAt,
		Payload:   &SweepEvent{RunID: run.ID, Subnet: subnet, BranchID: branchID},
	})
	s.logger.Info("sweep started",
		zap.String("run_id", run.ID),
		zap.String("subnet", subnet),
		zap.Int("hosts", len(hosts)),
		zap.Int("workers", s.cfg.Workers),
	)
	return run, nil
}

// Cancel stops an active run. The run finishes as Cancelled with the counters
// it reached.
func (s *Sweeper) Cancel(runID string) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}
	cancel()
	return nil
}

// StopAll cancels every active run and waits for their goroutines to drain.
func (s *Sweeper) StopAll() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run probes all hosts through a fixed worker pool. Worker count bounds
// concurrency; the shared limiter bounds aggregate probe rate.
func (s *Sweeper) run(ctx context.Context, run *models.SweepRun, hosts []string) {
	var probed, found atomic.Int64

	jobs := make(chan string)
	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for ip := range jobs {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
				s.probeHost(ctx, run, ip, &probed, &found)
			}
		}()
	}

feed:
	for _, ip := range hosts {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- ip:
		}
	}
	close(jobs)
	workers.Wait()

	status := models.SweepCompleted
	if ctx.Err() != nil {
		status = models.SweepCancelled
	}
	// Persist the outcome with a fresh context: the run context is cancelled
	// on the cancel path.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Finish(finishCtx, run.ID, status, int(probed.Load()), int(found.Load()), "", s.now()); err != nil {
		s.logger.Error("persist sweep outcome", zap.String("run_id", run.ID), zap.Error(err))
	}

	sweepsTotal.WithLabelValues(string(status)).Inc()
	s.bus.PublishAsync(finishCtx, plugin.Event{
		Topic:     TopicSweepFinished,
		Source:    "sweep",
		Timestamp: s.now(),
		Payload: &SweepEvent{
			RunID:    run.ID,
			Subnet:   run.Subnet,
			BranchID: run.BranchID,
			Status:   string(status),
			Probed:   int(probed.Load()),
			Found:    int(found.Load()),
		},
	})
	s.logger.Info("sweep finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int64("probed", probed.Load()),
		zap.Int64("found", found.Load()),
	)
}

// probeHost pings one host and, when reachable, identifies it over SNMP.
// Printers are upserted into the registry; everything else is ignored.
func (s *Sweeper) probeHost(ctx context.Context, run *models.SweepRun, ip string, probed, found *atomic.Int64) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	res := s.prober.Probe(probeCtx, ip)
	cancel()

	probed.Add(1)
	probesTotal.Inc()
	if !res.Reachable {
		return
	}

	identCtx, cancel := context.WithTimeout(ctx, s.cfg.SNMPTimeout)
	info, err := s.identifier.Identify(identCtx, ip)
	cancel()
	if err != nil || info == nil || !info.IsPrinter {
		return
	}

	if err := s.upsertPrinter(ctx, run, ip, info); err != nil {
		s.logger.Warn("printer upsert failed",
			zap.String("ip", ip),
			zap.Error(err),
		)
		return
	}
	found.Add(1)
	printersFoundTotal.Inc()

	if err := s.store.UpdateProgress(ctx, run.ID, int(probed.Load()), int(found.Load())); err != nil {
		s.logger.Debug("sweep progress update failed", zap.Error(err))
	}
}

// upsertPrinter records a discovered printer, reusing an existing identity
// when the MAC or IP is already known.
func (s *Sweeper) upsertPrinter(ctx context.Context, run *models.SweepRun, ip string, info *HostInfo) error {
	device := &models.Device{
		Name:            info.Name,
		CurrentIP:       ip,
		BranchID:        run.BranchID,
		Kind:            models.DeviceKindPrinter,
		Vendor:          info.Vendor,
		DiscoveryMethod: models.DiscoverySweep,
	}

	if existing, err := s.registry.LookupByIP(ctx, ip); err == nil {
		if reusableAsPrinter(existing) {
			device.ID = existing.ID
		}
	} else if !errors.Is(err, fleet.ErrNotFound) {
		return err
	}

	out, err := s.registry.RegisterOrUpdate(ctx, device)
	if err != nil {
		return err
	}

	s.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicPrinterFound,
		Source:    "sweep",
		Timestamp: s.now(),
		Payload:   &PrinterFoundEvent{RunID: run.ID, DeviceID: out.ID, IP: ip, Vendor: info.Vendor},
	})
	s.logger.Info("printer discovered",
		zap.String("run_id", run.ID),
		zap.String("ip", ip),
		zap.String("vendor", info.Vendor),
		zap.String("device_id", out.ID),
	)
	return nil
}

// reusableAsPrinter reports whether a record found at a discovered printer's
// IP can safely take the printer's identity. DHCP reassigns addresses, so an
// IP last seen on a media player or terminal belongs to different hardware;
// reusing its ID would merge two devices. Only printer and unclassified
// records are reused.
func reusableAsPrinter(existing *models.Device) bool {
	switch existing.Kind {
	case models.DeviceKindPrinter, models.DeviceKindUnknown, "":
		return true
	}
	return false
}

// enumerateHosts expands an IPv4 CIDR into probe targets, excluding the
// network and broadcast addresses.
func enumerateHosts(subnet string, maxHosts int) ([]string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", subnet, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet %q: only IPv4 sweeps are supported", subnet)
	}

	prefix = prefix.Masked()
	hosts := []string{}
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
		if len(hosts) > maxHosts {
			return nil, fmt.Errorf("%w: %s has more than %d hosts", ErrTooManyHosts, subnet, maxHosts)
		}
	}
	// Drop the broadcast address.
	if len(hosts) > 1 {
		hosts = hosts[:len(hosts)-1]
	}
	return hosts, nil
}
