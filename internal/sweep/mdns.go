//go:build !windows

package sweep

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// mdnsPrinterServices lists the mDNS service types printers announce.
var mdnsPrinterServices = []string{
	"_ipp._tcp",
	"_ipps._tcp",
	"_printer._tcp",
	"_pdl-datastream._tcp",
	"_uscan._tcp",
	"_scanner._tcp",
}

// MDNSListener passively discovers printers from mDNS/Bonjour announcements,
// complementing active sweeps on networks where multicast is allowed.
type MDNSListener struct {
	registry DeviceRegistry
	bus      plugin.EventBus
	logger   *zap.Logger
	interval time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMDNSListener creates an mDNS listener that periodically queries printer
// service types and upserts what it finds.
func NewMDNSListener(registry DeviceRegistry, bus plugin.EventBus, logger *zap.Logger, interval time.Duration) *MDNSListener {
	return &MDNSListener{
		registry: registry,
		bus:      bus,
		logger:   logger,
		interval: interval,
		seen:     make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled. The caller runs it in a goroutine.
func (l *MDNSListener) Run(ctx context.Context) {
	l.logger.Info("mDNS listener started", zap.Duration("interval", l.interval))

	l.queryAll(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("mDNS listener stopped")
			return
		case <-ticker.C:
			l.queryAll(ctx)
		}
	}
}

func (l *MDNSListener) queryAll(ctx context.Context) {
	var discovered int
	for _, svc := range mdnsPrinterServices {
		if ctx.Err() != nil {
			return
		}
		discovered += l.queryService(ctx, svc)
	}
	l.logger.Debug("mDNS query round complete", zap.Int("printers_found", discovered))
	l.cleanSeen()
}

func (l *MDNSListener) queryService(ctx context.Context, service string) int {
	entries := make(chan *mdns.ServiceEntry, 16)

	var discovered int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if l.processEntry(ctx, entry) {
				discovered++
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = 3 * time.Second
	params.Entries = entries
	params.DisableIPv6 = true

	if err := mdns.Query(params); err != nil {
		l.logger.Debug("mDNS query failed", zap.String("service", service), zap.Error(err))
	}
	close(entries)
	wg.Wait()

	return discovered
}

// processEntry upserts one announced printer. Returns false for entries that
// were deduplicated or unusable.
func (l *MDNSListener) processEntry(ctx context.Context, entry *mdns.ServiceEntry) bool {
	if entry == nil {
		return false
	}
	ip := extractIP(entry)
	if ip == "" || l.recentlySeen(ip) {
		return false
	}
	l.markSeen(ip)

	name := strings.TrimSuffix(entry.Host, ".")
	if name == "" {
		name = entry.Name
	}

	device := &models.Device{
		Name:            name,
		CurrentIP:       ip,
		Kind:            models.DeviceKindPrinter,
		DiscoveryMethod: models.DiscoverymDNS,
	}
	if existing, err := l.registry.LookupByIP(ctx, ip); err == nil {
		if reusableAsPrinter(existing) {
			device.ID = existing.ID
		}
	} else if !errors.Is(err, fleet.ErrNotFound) {
		l.logger.Warn("mDNS dedupe lookup failed", zap.String("ip", ip), zap.Error(err))
		return false
	}

	out, err := l.registry.RegisterOrUpdate(ctx, device)
	if err != nil {
		l.logger.Warn("mDNS printer upsert failed", zap.String("ip", ip), zap.Error(err))
		return false
	}

	printersFoundTotal.Inc()
	l.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicPrinterFound,
		Source:    "sweep",
		Timestamp: time.Now().UTC(),
		Payload:   &PrinterFoundEvent{DeviceID: out.ID, IP: ip},
	})
	l.logger.Info("mDNS printer discovered",
		zap.String("ip", ip),
		zap.String("name", name),
	)
	return true
}

func extractIP(entry *mdns.ServiceEntry) string {
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	if entry.Addr != nil && !entry.Addr.IsUnspecified() {
		return entry.Addr.String()
	}
	return ""
}

func (l *MDNSListener) recentlySeen(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.seen[ip]
	return ok && time.Since(last) < l.interval
}

func (l *MDNSListener) markSeen(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[ip] = time.Now()
}

func (l *MDNSListener) cleanSeen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-2 * l.interval)
	for ip, t := range l.seen {
		if t.Before(cutoff) {
			delete(l.seen, ip)
		}
	}
}
