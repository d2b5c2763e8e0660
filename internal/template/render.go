// Package template implements placeholder substitution for page HTML.
//
// Templates use a small Handlebars-style surface:
//
//	{{path.to.value}}                     scalar interpolation
//	{{#each items}} {{this.field}} {{/each}}  iteration over named arrays
//	{{#if field}} ... {{/if}}             conditional blocks
//
// The renderer is total: unresolved paths render as empty strings and
// malformed block syntax is left literal in the output, so a bad template
// degrades instead of blanking the preview. It is the single substitution
// authority; the preview layer only applies fallback defaults on top.
package template

import (
	"regexp"
	"strconv"
	"strings"
)

// Variables is the set of named values available to a render pass, keyed by
// the first segment of a dotted path. Values may be scalars, nested
// map[string]any, or []any / []map[string]any for iteration blocks.
type Variables map[string]any

var scalarToken = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w]*(?:\.[\w]+)*)\s*\}\}`)

// Render substitutes all recognized placeholders in input using vars.
// Identical input and vars always produce identical output; Render performs
// no I/O and never panics on missing data.
func Render(input string, vars Variables) string {
	return renderScope(input, vars, nil)
}

// renderScope renders input with vars as the root scope and item as the
// current iteration item (nil outside {{#each}} blocks).
func renderScope(input string, vars Variables, item any) string {
	out := renderBlocks(input, vars, item)
	return scalarToken.ReplaceAllStringFunc(out, func(tok string) string {
		path := scalarToken.FindStringSubmatch(tok)[1]
		val, ok := resolve(path, vars, item)
		if !ok {
			return ""
		}
		return formatScalar(val)
	})
}

// renderBlocks expands {{#each}} and {{#if}} blocks, innermost-last via
// repeated scanning. A block opener with no matching closer is left literal.
func renderBlocks(input string, vars Variables, item any) string {
	var b strings.Builder
	rest := input
	for {
		open, kind, arg, bodyStart := findOpener(rest)
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])

		bodyEnd, blockEnd := findCloser(rest[bodyStart:], kind)
		if bodyEnd < 0 {
			// Unmatched opener: keep the literal marker and move on.
			b.WriteString(rest[open:bodyStart])
			rest = rest[bodyStart:]
			continue
		}
		body := rest[bodyStart : bodyStart+bodyEnd]

		switch kind {
		case "each":
			items, _ := resolve(arg, vars, item)
			for _, it := range asSlice(items) {
				b.WriteString(renderScope(body, vars, it))
			}
		case "if":
			val, ok := resolve(arg, vars, item)
			if ok && truthy(val) {
				b.WriteString(renderScope(body, vars, item))
			}
		}
		rest = rest[bodyStart+blockEnd:]
	}
}

var openerToken = regexp.MustCompile(`\{\{#(each|if)\s+([\w.]+)\s*\}\}`)

// findOpener locates the first {{#each}} or {{#if}} opener in s, returning
// its start offset, block kind, argument path, and the offset just past the
// opener. Returns open = -1 when no opener exists.
func findOpener(s string) (open int, kind, arg string, bodyStart int) {
	loc := openerToken.FindStringSubmatchIndex(s)
	if loc == nil {
		return -1, "", "", 0
	}
	return loc[0], s[loc[2]:loc[3]], s[loc[4]:loc[5]], loc[1]
}

// findCloser scans body text for the {{/kind}} matching an already-consumed
// opener, honoring nested blocks of the same kind. Returns the body length
// and the offset just past the closer, or (-1, -1) when unmatched.
func findCloser(s, kind string) (bodyEnd, blockEnd int) {
	openTag := "{{#" + kind
	closeTag := "{{/" + kind + "}}"
	depth := 1
	off := 0
	for {
		nextOpen := strings.Index(s[off:], openTag)
		nextClose := strings.Index(s[off:], closeTag)
		if nextClose < 0 {
			return -1, -1
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			off += nextOpen + len(openTag)
			continue
		}
		depth--
		if depth == 0 {
			return off + nextClose, off + nextClose + len(closeTag)
		}
		off += nextClose + len(closeTag)
	}
}

// resolve walks a dotted path against the current scope. Paths starting
// with "this" resolve against the iteration item; inside an iteration other
// paths try the item first, then the root variables.
func resolve(path string, vars Variables, item any) (any, bool) {
	segments := strings.Split(path, ".")

	if segments[0] == "this" {
		if item == nil {
			return nil, false
		}
		if len(segments) == 1 {
			return item, true
		}
		return walk(item, segments[1:])
	}

	if item != nil {
		if val, ok := walk(item, segments); ok {
			return val, true
		}
	}
	return walk(map[string]any(vars), segments)
}

// walk descends nested maps segment by segment.
func walk(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Variables:
		return m, true
	default:
		return nil, false
	}
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	case []string:
		out := make([]any, len(s))
		for i, str := range s {
			out[i] = str
		}
		return out
	default:
		return nil
	}
}

// truthy reports whether a resolved value enables an {{#if}} block.
// Mirrors JavaScript truthiness for the types a variable set can hold.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case []map[string]any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// formatScalar converts a resolved value to its textual form. Container
// values interpolated as scalars render empty rather than as Go syntax.
func formatScalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	case []any, []map[string]any, []string, map[string]any, Variables:
		return ""
	default:
		return ""
	}
}

// UnresolvedTokens returns every {{...}} token remaining in html, in
// document order. Used by the preview layer as a non-fatal diagnostic.
func UnresolvedTokens(html string) []string {
	matches := anyToken.FindAllString(html, -1)
	if len(matches) == 0 {
		return nil
	}
	return matches
}

var anyToken = regexp.MustCompile(`\{\{[^}]*\}\}`)
