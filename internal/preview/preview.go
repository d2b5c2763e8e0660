// Package preview assembles a self-contained preview document from draft
// HTML and site settings.
//
// The template renderer is the single substitution authority; this package
// only fills known variables with documented fallback values when the live
// settings omit them, injects the CSS custom-property block derived from
// style settings, and reports any leftover {{...}} tokens as a non-fatal
// diagnostic. Every build produces a fresh document so the sandboxed frame
// never carries stale script state.
package preview

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pageforge/pageforge/internal/template"
)

// Viewport is a fixed preview width. Presentation only; the sandbox frame
// applies it as a CSS width constraint.
type Viewport struct {
	Name  string
	Width int
}

// Viewports returns the fixed device widths supported by the preview frame.
func Viewports() []Viewport {
	return []Viewport{
		{Name: "mobile", Width: 375},
		{Name: "tablet", Width: 768},
		{Name: "desktop", Width: 1280},
	}
}

// Settings carries the external inputs of a preview build.
type Settings struct {
	// Variables is the live variable set from site settings. May be nil;
	// known variables missing here fall back to documented defaults.
	Variables template.Variables

	// Styles maps CSS custom property names (without the -- prefix) to
	// values, e.g. "primary-color" -> "#2563eb".
	Styles map[string]string
}

// Document is the result of a preview build.
type Document struct {
	// HTML is the final substituted document shown in the sandbox frame.
	HTML string

	// Unresolved lists {{...}} tokens that survived substitution. A
	// warning, never an error: the document still renders.
	Unresolved []string
}

// fallbackVariables are the sane defaults patched in for known variables
// when the live settings do not provide them. Keeping the preview legible
// matters more than exposing a missing setting.
var fallbackVariables = template.Variables{
	"business_name":  "Your Business",
	"business_phone": "(555) 000-0000",
	"business_email": "info@example.com",
	"business_hours": "Mon-Fri 9am-5pm",
	"siteSettings": map[string]any{
		"primary_color":   "#2563eb",
		"secondary_color": "#1e40af",
		"accent_color":    "#f59e0b",
		"font_family":     "system-ui, sans-serif",
	},
}

// placeholderDocument is shown when the draft is empty, so the frame never
// goes fully blank.
const placeholderDocument = `<!DOCTYPE html>
<html>
<head><title>No content</title></head>
<body style="font-family: system-ui, sans-serif; color: #6b7280; display: flex; align-items: center; justify-content: center; min-height: 100vh;">
<p>No content yet. Describe the page you want to build.</p>
</body>
</html>`

// Builder produces preview documents.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder. A nil logger falls back to slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build renders html against the settings and returns the final document.
// It never fails: malformed HTML and unresolved variables degrade to
// best-effort output with logged warnings.
func (b *Builder) Build(html string, settings Settings) Document {
	if strings.TrimSpace(html) == "" {
		return Document{HTML: placeholderDocument}
	}

	substituted := template.Render(html, mergeVariables(settings.Variables))
	styled := injectStyleVariables(substituted, settings.Styles)

	doc := Document{
		HTML:       styled,
		Unresolved: template.UnresolvedTokens(styled),
	}
	if len(doc.Unresolved) > 0 {
		b.logger.Warn("preview has unresolved template tokens",
			"count", len(doc.Unresolved),
			"tokens", doc.Unresolved,
		)
	}
	return doc
}

// mergeVariables overlays live variables on the fallback defaults. Live
// values win; nested maps merge one level deep so a partial siteSettings
// still inherits the remaining defaults.
func mergeVariables(live template.Variables) template.Variables {
	merged := template.Variables{}
	for k, v := range fallbackVariables {
		merged[k] = v
	}
	for k, v := range live {
		liveMap, liveOK := v.(map[string]any)
		baseMap, baseOK := merged[k].(map[string]any)
		if liveOK && baseOK {
			sub := make(map[string]any, len(baseMap)+len(liveMap))
			for sk, sv := range baseMap {
				sub[sk] = sv
			}
			for sk, sv := range liveMap {
				sub[sk] = sv
			}
			merged[k] = sub
			continue
		}
		merged[k] = v
	}
	return merged
}

// injectStyleVariables adds a :root CSS custom-property block derived from
// styles. The block lands inside the document's first <style> tag when one
// exists, otherwise in a new <style> appended to <head>. On parse failure
// the input is returned unchanged.
func injectStyleVariables(html string, styles map[string]string) string {
	if len(styles) == 0 {
		return html
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	block := cssVariableBlock(styles)
	if style := doc.Find("style").First(); style.Length() > 0 {
		style.SetText(block + style.Text())
	} else {
		doc.Find("head").AppendHtml("<style>" + block + "</style>")
	}

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

// cssVariableBlock renders styles as a deterministic :root declaration,
// keys sorted so identical settings always produce identical documents.
func cssVariableBlock(styles map[string]string) string {
	names := make([]string, 0, len(styles))
	for name := range styles {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(":root{")
	for _, name := range names {
		fmt.Fprintf(&sb, "--%s:%s;", name, styles[name])
	}
	sb.WriteString("}")
	return sb.String()
}
