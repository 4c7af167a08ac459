package fleet

import (
	"context"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ProbeResult is the outcome of one liveness probe against a device.
type ProbeResult struct {
	Reachable bool
	LatencyMs float64
	Error     string
}

// Prober executes a reachability probe against a target address.
type Prober interface {
	Probe(ctx context.Context, target string) ProbeResult
}

// ICMPProber pings targets using ICMP via pro-bing.
type ICMPProber struct {
	timeout time.Duration
}

// NewICMPProber creates an ICMP prober with the given per-probe timeout.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	return &ICMPProber{timeout: timeout}
}

// Probe pings the target once and reports reachability.
func (p *ICMPProber) Probe(ctx context.Context, target string) ProbeResult {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("create pinger: %v", err)}
	}

	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	// Run pinger in a goroutine for context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return ProbeResult{Error: runErr.Error()}
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			return ProbeResult{Error: "no reply"}
		}
		return ProbeResult{
			Reachable: true,
			LatencyMs: float64(stats.AvgRtt) / float64(time.Millisecond),
		}
	case <-ctx.Done():
		pinger.Stop()
		return ProbeResult{Error: "probe cancelled"}
	}
}
