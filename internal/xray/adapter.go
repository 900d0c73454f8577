package xray

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/outpostvpn/outpost/internal/sshrun"
)

// Adapter performs the remote read/modify/atomic-write cycle on the Xray
// host. Concurrent writers are excluded by the advisory locks held by the
// two broker loops; the adapter itself assumes a single caller.
type Adapter struct {
	run        sshrun.Runner
	configPath string
	accessLog  string
}

// NewAdapter binds the adapter to a runner and the remote file paths.
func NewAdapter(run sshrun.Runner, configPath, accessLog string) *Adapter {
	return &Adapter{run: run, configPath: configPath, accessLog: accessLog}
}

// ReadConfig fetches and parses the remote config.
func (a *Adapter) ReadConfig(ctx context.Context) (*Document, error) {
	out, err := a.run.Run(ctx, "cat "+a.configPath)
	if err != nil {
		return nil, fmt.Errorf("xray: read config: %w", err)
	}
	return ParseDocument([]byte(out))
}

// WriteConfig writes the document to a temp path, atomically installs it over
// the real path, and restarts the daemon. The write is skipped entirely when
// the rendered bytes hash-match the previous snapshot, so a no-op tick never
// restarts Xray.
func (a *Adapter) WriteConfig(ctx context.Context, doc *Document, prevRaw []byte) error {
	rendered, err := doc.Encode()
	if err != nil {
		return err
	}
	if prevRaw != nil && xxh3.Hash(rendered) == xxh3.Hash(canonicalize(prevRaw)) {
		log.Printf("[xray] config unchanged, skipping write")
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(rendered)
	tmp := a.configPath + ".outpost.tmp"
	cmd := fmt.Sprintf(
		"echo %s | base64 -d > %s && install -m 644 %s %s && rm -f %s && systemctl restart xray",
		encoded, tmp, tmp, a.configPath, tmp)
	if _, err := a.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("xray: write config: %w", err)
	}
	log.Printf("[xray] config written (%d bytes), daemon restarted", len(rendered))
	return nil
}

// Mutate runs one full read-modify-write cycle. fn returns false to signal
// that nothing changed and the write should be skipped; a mutation that
// renders byte-identical to the snapshot read is skipped as well, so callers
// may re-derive their full desired state every tick without restarting the
// daemon on quiet ones.
func (a *Adapter) Mutate(ctx context.Context, fn func(doc *Document) (bool, error)) error {
	raw, err := a.run.Run(ctx, "cat "+a.configPath)
	if err != nil {
		return fmt.Errorf("xray: read config: %w", err)
	}
	doc, err := ParseDocument([]byte(raw))
	if err != nil {
		return err
	}
	changed, err := fn(doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return a.WriteConfig(ctx, doc, []byte(raw))
}

// TailAccessLog returns the last n lines of the remote access log. A missing
// file yields no lines rather than an error (fresh host, rotated log).
func (a *Adapter) TailAccessLog(ctx context.Context, n int) ([]string, error) {
	out, err := a.run.Run(ctx, fmt.Sprintf("tail -n %d %s 2>/dev/null || true", n, a.accessLog))
	if err != nil {
		return nil, fmt.Errorf("xray: tail access log: %w", err)
	}
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// canonicalize re-encodes raw JSON so hash comparison ignores formatting.
func canonicalize(raw []byte) []byte {
	doc, err := ParseDocument(raw)
	if err != nil {
		return raw
	}
	out, err := doc.Encode()
	if err != nil {
		return raw
	}
	return out
}
