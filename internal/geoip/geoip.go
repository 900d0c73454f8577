// Package geoip annotates session IPs with a country code from a local
// MaxMind database. The annotation is informational only; session decisions
// never depend on it.
package geoip

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver wraps an mmdb reader. The zero value (no database configured)
// resolves everything to "".
type Resolver struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open loads the database at path. An empty path yields a disabled resolver.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return &Resolver{}, nil
	}
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{reader: r}, nil
}

// Country returns the ISO country code for an IP, or "" when the resolver is
// disabled or the IP is unknown.
func (r *Resolver) Country(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return ""
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.reader.Lookup(addr.AsSlice(), &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// Reload swaps in a freshly opened database, e.g. after an mmdb update.
func (r *Resolver) Reload(path string) error {
	next, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("geoip: reload %s: %w", path, err)
	}
	r.mu.Lock()
	old := r.reader
	r.reader = next
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the underlying reader.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
