// Package xray owns the remote Xray JSON configuration and its access log.
// The config file is the authoritative source for which region clients
// exist; every mutation is a full read-modify-atomic-write cycle followed by
// a daemon restart, at most once per scheduler tick.
package xray

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Managed routing rules carry this tag prefix so rewrites are idempotent:
// every apply drops the previous generation and installs a fresh one.
const ruleTagPrefix = "outpost:"

const (
	blackholeTag = "blocked"
	directTag    = "direct"
)

// Client is one VLESS client entry in the inbound.
type Client struct {
	ID    string // UUIDv4
	Email string // "tg:<user id>"
	Flow  string
}

// Document is a parsed Xray config. Unknown fields survive round-trips: the
// tree is held as generic JSON and only the clients list and managed routing
// rules are touched.
type Document struct {
	root map[string]any
}

// ParseDocument decodes raw config JSON.
func ParseDocument(raw []byte) (*Document, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("xray: parse config: %w", err)
	}
	return &Document{root: root}, nil
}

// Encode renders the config with stable key order and trailing newline.
func (d *Document) Encode() ([]byte, error) {
	out, err := json.MarshalIndent(d.root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("xray: encode config: %w", err)
	}
	return append(out, '\n'), nil
}

// EmailForUser is the canonical client email for a chat id.
func EmailForUser(tgID int64) string {
	return fmt.Sprintf("tg:%d", tgID)
}

// emailMatches tolerates the historical alias "<id>" next to "tg:<id>".
func emailMatches(email string, tgID int64) bool {
	canonical := EmailForUser(tgID)
	return email == canonical || email == strings.TrimPrefix(canonical, "tg:")
}

// UserForEmail parses the chat id out of a client email, accepting both the
// canonical "tg:<id>" form and the bare "<id>" alias.
func UserForEmail(email string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(email, "tg:"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// vlessClients returns the clients slice of the first VLESS inbound.
func (d *Document) vlessClients() ([]any, error) {
	inbounds, _ := d.root["inbounds"].([]any)
	for _, in := range inbounds {
		inbound, ok := in.(map[string]any)
		if !ok || inbound["protocol"] != "vless" {
			continue
		}
		settings, ok := inbound["settings"].(map[string]any)
		if !ok {
			settings = map[string]any{}
			inbound["settings"] = settings
		}
		clients, _ := settings["clients"].([]any)
		return clients, nil
	}
	return nil, fmt.Errorf("xray: no vless inbound in config")
}

func (d *Document) setVlessClients(clients []any) {
	inbounds, _ := d.root["inbounds"].([]any)
	for _, in := range inbounds {
		inbound, ok := in.(map[string]any)
		if !ok || inbound["protocol"] != "vless" {
			continue
		}
		inbound["settings"].(map[string]any)["clients"] = clients
		return
	}
}

// Clients lists the VLESS clients in config order.
func (d *Document) Clients() ([]Client, error) {
	raw, err := d.vlessClients()
	if err != nil {
		return nil, err
	}
	out := make([]Client, 0, len(raw))
	for _, c := range raw {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		cl := Client{}
		cl.ID, _ = m["id"].(string)
		cl.Email, _ = m["email"].(string)
		cl.Flow, _ = m["flow"].(string)
		out = append(out, cl)
	}
	return out, nil
}

// FindClient returns the client for a user under either email form.
func (d *Document) FindClient(tgID int64) (Client, bool, error) {
	clients, err := d.Clients()
	if err != nil {
		return Client{}, false, err
	}
	for _, c := range clients {
		if emailMatches(c.Email, tgID) {
			return c, true, nil
		}
	}
	return Client{}, false, nil
}

// AddClient appends a client entry. Returns false when the user already has
// one (the existing entry wins).
func (d *Document) AddClient(c Client, tgID int64) (bool, error) {
	if _, exists, err := d.FindClient(tgID); err != nil {
		return false, err
	} else if exists {
		return false, nil
	}
	raw, err := d.vlessClients()
	if err != nil {
		return false, err
	}
	entry := map[string]any{"id": c.ID, "email": c.Email}
	if c.Flow != "" {
		entry["flow"] = c.Flow
	}
	d.setVlessClients(append(raw, any(entry)))
	return true, nil
}

// RemoveClient drops the user's client entry under either email form.
// Returns false when no entry existed.
func (d *Document) RemoveClient(tgID int64) (bool, error) {
	raw, err := d.vlessClients()
	if err != nil {
		return false, err
	}
	kept := make([]any, 0, len(raw))
	removed := false
	for _, c := range raw {
		m, ok := c.(map[string]any)
		if ok {
			if email, _ := m["email"].(string); emailMatches(email, tgID) {
				removed = true
				continue
			}
		}
		kept = append(kept, c)
	}
	if removed {
		d.setVlessClients(kept)
	}
	return removed, nil
}

// RoutingState is the desired per-user steering installed by ApplyRouting.
type RoutingState struct {
	// BlockedUsers lose all traffic: their config stays valid but routes to
	// the blackhole outbound.
	BlockedUsers []int64
	// ActiveIPByUser steers each user: traffic from the recorded IP routes
	// normally, anything else from that user is black-holed.
	ActiveIPByUser map[int64]string
}

// ApplyRouting rewrites the managed routing rules to match state. All rules
// tagged with the managed prefix are replaced; foreign rules and their order
// are preserved. The blackhole outbound is created when missing.
func (d *Document) ApplyRouting(state RoutingState) {
	d.ensureBlackholeOutbound()

	routing, ok := d.root["routing"].(map[string]any)
	if !ok {
		routing = map[string]any{}
		d.root["routing"] = routing
	}
	rules, _ := routing["rules"].([]any)

	kept := make([]any, 0, len(rules))
	for _, r := range rules {
		m, ok := r.(map[string]any)
		if ok {
			if tag, _ := m["ruleTag"].(string); strings.HasPrefix(tag, ruleTagPrefix) {
				continue
			}
		}
		kept = append(kept, r)
	}

	var managed []any

	// Per-user allow rules first: the most recent device matches here and
	// routes normally before the block rules below can catch it.
	steered := make([]int64, 0, len(state.ActiveIPByUser))
	for id := range state.ActiveIPByUser {
		steered = append(steered, id)
	}
	sort.Slice(steered, func(i, j int) bool { return steered[i] < steered[j] })
	for _, id := range steered {
		managed = append(managed, map[string]any{
			"ruleTag":     fmt.Sprintf("%sallow:%d", ruleTagPrefix, id),
			"type":        "field",
			"user":        []any{EmailForUser(id)},
			"source":      []any{state.ActiveIPByUser[id]},
			"outboundTag": directTag,
		})
	}

	// One block rule for everyone who must not route: disabled users plus
	// the steered users' non-active devices.
	blocked := make(map[string]bool)
	for _, id := range state.BlockedUsers {
		blocked[EmailForUser(id)] = true
	}
	for _, id := range steered {
		blocked[EmailForUser(id)] = true
	}
	if len(blocked) > 0 {
		emails := make([]string, 0, len(blocked))
		for e := range blocked {
			emails = append(emails, e)
		}
		sort.Strings(emails)
		users := make([]any, len(emails))
		for i, e := range emails {
			users[i] = e
		}
		managed = append(managed, map[string]any{
			"ruleTag":     ruleTagPrefix + "block",
			"type":        "field",
			"user":        users,
			"outboundTag": blackholeTag,
		})
	}

	routing["rules"] = append(managed, kept...)
}

func (d *Document) ensureBlackholeOutbound() {
	outbounds, _ := d.root["outbounds"].([]any)
	for _, o := range outbounds {
		m, ok := o.(map[string]any)
		if ok && m["tag"] == blackholeTag {
			return
		}
	}
	d.root["outbounds"] = append(outbounds, any(map[string]any{
		"protocol": "blackhole",
		"tag":      blackholeTag,
	}))
}
