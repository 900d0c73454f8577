package arbiter

import (
	"context"
	"fmt"
	"strings"

	"github.com/outpostvpn/outpost/internal/sshrun"
)

// TCShaper installs a per-session bandwidth cap on the region host with tc
// filters over an ifb device. Idempotent: each apply flushes the previous
// filter set before installing the new one.
type TCShaper struct {
	run     sshrun.Runner
	device  string // ifb device mirroring the wan interface
	rateKbs int
}

func NewTCShaper(run sshrun.Runner, device string, rateKbs int) *TCShaper {
	return &TCShaper{run: run, device: device, rateKbs: rateKbs}
}

// Apply rebuilds the filter set for the given session IPs.
func (t *TCShaper) Apply(ctx context.Context, activeIPs []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "tc qdisc replace dev %s root handle 1: htb default 30", t.device)
	for i, ip := range activeIPs {
		classID := i%9000 + 100
		fmt.Fprintf(&b, " && tc class replace dev %s parent 1: classid 1:%d htb rate %dkbit",
			t.device, classID, t.rateKbs)
		fmt.Fprintf(&b, " && tc filter replace dev %s protocol ip parent 1: prio 1 u32 match ip src %s flowid 1:%d",
			t.device, ip, classID)
	}
	if _, err := t.run.Run(ctx, b.String()); err != nil {
		return fmt.Errorf("arbiter: apply shaping: %w", err)
	}
	return nil
}
