package wireguard

import (
	"fmt"
	"strings"
)

// persistentKeepalive keeps NAT mappings warm on consumer routers.
const persistentKeepalive = 25

// ClientConfig is the material rendered into a wg-quick interface file.
type ClientConfig struct {
	PrivateKey      string
	Address         string // client /32 address without mask
	DNS             string
	ServerPublicKey string
	Endpoint        string
	AllowedIPs      string
}

// Render produces the textual config a WireGuard app imports.
func (c ClientConfig) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", c.Address)
	fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", c.AllowedIPs)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", persistentKeepalive)
	return b.String()
}

// ParseClientConfig reads back a rendered config. Only the fields the broker
// writes are recognized; anything else is an error.
func ParseClientConfig(text string) (ClientConfig, error) {
	var c ClientConfig
	section := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section = line
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ClientConfig{}, fmt.Errorf("wireguard: malformed line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch section + "/" + key {
		case "[Interface]/PrivateKey":
			c.PrivateKey = value
		case "[Interface]/Address":
			c.Address = strings.TrimSuffix(value, "/32")
		case "[Interface]/DNS":
			c.DNS = value
		case "[Peer]/PublicKey":
			c.ServerPublicKey = value
		case "[Peer]/Endpoint":
			c.Endpoint = value
		case "[Peer]/AllowedIPs":
			c.AllowedIPs = value
		case "[Peer]/PersistentKeepalive":
			// Fixed by Render; value ignored.
		default:
			return ClientConfig{}, fmt.Errorf("wireguard: unexpected key %q in %s", key, section)
		}
	}
	if c.PrivateKey == "" || c.Address == "" {
		return ClientConfig{}, fmt.Errorf("wireguard: incomplete config")
	}
	return c, nil
}
