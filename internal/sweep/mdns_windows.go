//go:build windows

package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// MDNSListener is a no-op stub on Windows where multicast DNS is not
// reliably supported.
type MDNSListener struct{}

// NewMDNSListener returns a no-op mDNS listener on Windows.
func NewMDNSListener(_ DeviceRegistry, _ plugin.EventBus, _ *zap.Logger, _ time.Duration) *MDNSListener {
	return &MDNSListener{}
}

// Run is a no-op on Windows. It returns when ctx is cancelled.
func (l *MDNSListener) Run(ctx context.Context) {
	<-ctx.Done()
}
