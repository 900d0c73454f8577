// Package notify renders user-facing messages from the embedded catalog and
// hands them to a delivery backend behind the Notifier interface.
package notify

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var catalogYAML []byte

// Catalog holds the parsed message templates keyed by name.
type Catalog struct {
	templates map[string]*template.Template
}

// LoadCatalog parses and compiles the embedded catalog. Called once at
// startup; a broken template is a deployment error.
func LoadCatalog() (*Catalog, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(catalogYAML, &raw); err != nil {
		return nil, fmt.Errorf("notify: parse catalog: %w", err)
	}
	c := &Catalog{templates: make(map[string]*template.Template, len(raw))}
	for name, body := range raw {
		tpl, err := template.New(name).Option("missingkey=error").Parse(strings.TrimSpace(body))
		if err != nil {
			return nil, fmt.Errorf("notify: compile %q: %w", name, err)
		}
		c.templates[name] = tpl
	}
	return c, nil
}

// Render fills the named template. Unknown names and missing placeholders
// are errors.
func (c *Catalog) Render(name string, data any) (string, error) {
	tpl, ok := c.templates[name]
	if !ok {
		return "", fmt.Errorf("notify: unknown message %q", name)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("notify: render %q: %w", name, err)
	}
	return b.String(), nil
}
