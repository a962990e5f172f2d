package tools

import (
	"fmt"
	"slices"
	"strings"
)

// Catalog is an immutable, name-keyed set of tools.
type Catalog struct {
	byName map[string]*Tool
	names  []string
}

// NewCatalog indexes tools by name. Duplicate names are an error.
func NewCatalog(tools ...*Tool) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			return nil, fmt.Errorf("tools: nil tool in catalog")
		}
		if _, dup := c.byName[t.Name()]; dup {
			return nil, fmt.Errorf("tools: duplicate tool name %q", t.Name())
		}
		c.byName[t.Name()] = t
		c.names = append(c.names, t.Name())
	}
	slices.Sort(c.names)
	return c, nil
}

// Lookup returns the tool called name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns every tool name in sorted order.
func (c *Catalog) Names() []string { return slices.Clone(c.names) }

// Tools returns every tool sorted by name.
func (c *Catalog) Tools() []*Tool {
	out := make([]*Tool, len(c.names))
	for i, n := range c.names {
		out[i] = c.byName[n]
	}
	return out
}

// Unknown builds the message for a call to a tool that does not exist.
func (c *Catalog) Unknown(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "unknown tool %q", name)
	if s := Suggest(name, c.names); s != "" {
		fmt.Fprintf(&b, "; did you mean %q?", s)
	}
	return b.String()
}
