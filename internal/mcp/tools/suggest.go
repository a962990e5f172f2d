package tools

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.8

// Suggest returns the candidate closest to input, compared case-insensitively,
// or "" when nothing is similar enough.
func Suggest(input string, candidates []string) string {
	in := strings.ToLower(input)
	best, bestScore := "", 0.0
	for _, c := range candidates {
		score := matchr.JaroWinkler(in, strings.ToLower(c), false)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < suggestThreshold || best == input {
		return ""
	}
	return best
}

// describe flattens a schema validation error into one line naming each
// offending field, with hints for misspelt enum values and property names.
func (t *Tool) describe(err error, doc any) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	obj, _ := doc.(map[string]any)

	var parts []string
	for _, leaf := range leaves(ve) {
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		msg := leaf.Message
		switch {
		case strings.HasSuffix(leaf.KeywordLocation, "/enum"):
			if v, ok := obj[field].(string); ok {
				if s := Suggest(v, t.enums[field]); s != "" {
					msg += fmt.Sprintf(" (did you mean %q?)", s)
				}
			}
		case strings.HasSuffix(leaf.KeywordLocation, "/additionalProperties"):
			var hints []string
			for k := range obj {
				if slices.Contains(t.props, k) {
					continue
				}
				if s := Suggest(k, t.props); s != "" {
					hints = append(hints, fmt.Sprintf("%q for %q", s, k))
				}
			}
			slices.Sort(hints)
			if len(hints) > 0 {
				msg += " (did you mean " + strings.Join(hints, ", ") + "?)"
			}
		}
		if field == "" {
			parts = append(parts, msg)
		} else {
			parts = append(parts, field+": "+msg)
		}
	}
	if len(parts) == 0 {
		return ve.Message
	}
	return strings.Join(parts, "; ")
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
