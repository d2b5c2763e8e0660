package template

import (
	"testing"
)

func TestRender_Scalar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		vars  Variables
		want  string
	}{
		{
			name:  "simple substitution",
			input: "Hello {{business_name}}",
			vars:  Variables{"business_name": "Acme"},
			want:  "Hello Acme",
		},
		{
			name:  "missing path renders empty",
			input: "Hello {{business_name}}",
			vars:  Variables{},
			want:  "Hello ",
		},
		{
			name:  "dotted path",
			input: "color: {{siteSettings.primary_color}};",
			vars: Variables{
				"siteSettings": map[string]any{"primary_color": "#2563eb"},
			},
			want: "color: #2563eb;",
		},
		{
			name:  "dotted path with missing leaf",
			input: "x{{siteSettings.missing}}y",
			vars:  Variables{"siteSettings": map[string]any{}},
			want:  "xy",
		},
		{
			name:  "dotted path through non-map",
			input: "x{{name.sub}}y",
			vars:  Variables{"name": "scalar"},
			want:  "xy",
		},
		{
			name:  "numeric value",
			input: "{{count}} items",
			vars:  Variables{"count": 3},
			want:  "3 items",
		},
		{
			name:  "float without trailing zeros",
			input: "{{price}}",
			vars:  Variables{"price": 19.5},
			want:  "19.5",
		},
		{
			name:  "whitespace inside braces",
			input: "{{ business_name }}",
			vars:  Variables{"business_name": "Acme"},
			want:  "Acme",
		},
		{
			name:  "container value renders empty",
			input: "x{{items}}y",
			vars:  Variables{"items": []any{"a"}},
			want:  "xy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Render(tt.input, tt.vars)
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRender_Each(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		vars  Variables
		want  string
	}{
		{
			name:  "iterates items",
			input: "{{#each items}}{{this.name}};{{/each}}",
			vars: Variables{"items": []any{
				map[string]any{"name": "a"},
				map[string]any{"name": "b"},
			}},
			want: "a;b;",
		},
		{
			name:  "empty collection renders nothing",
			input: "{{#each items}}{{this.name}};{{/each}}",
			vars:  Variables{"items": []any{}},
			want:  "",
		},
		{
			name:  "missing collection renders nothing",
			input: "{{#each items}}x{{/each}}",
			vars:  Variables{},
			want:  "",
		},
		{
			name:  "this resolves to scalar item",
			input: "{{#each tags}}[{{this}}]{{/each}}",
			vars:  Variables{"tags": []string{"seo", "local"}},
			want:  "[seo][local]",
		},
		{
			name:  "item field without this prefix",
			input: "{{#each items}}{{name}},{{/each}}",
			vars: Variables{"items": []any{
				map[string]any{"name": "a"},
			}},
			want: "a,",
		},
		{
			name:  "root variables visible inside block",
			input: "{{#each items}}{{this.name}}@{{business_name}};{{/each}}",
			vars: Variables{
				"business_name": "Acme",
				"items":         []any{map[string]any{"name": "a"}},
			},
			want: "a@Acme;",
		},
		{
			name:  "nested each",
			input: "{{#each groups}}{{#each this.members}}{{this}},{{/each}}|{{/each}}",
			vars: Variables{"groups": []any{
				map[string]any{"members": []any{"x", "y"}},
				map[string]any{"members": []any{"z"}},
			}},
			want: "x,y,|z,|",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Render(tt.input, tt.vars)
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRender_If(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		vars  Variables
		want  string
	}{
		{
			name:  "true renders body",
			input: "{{#if show}}visible{{/if}}",
			vars:  Variables{"show": true},
			want:  "visible",
		},
		{
			name:  "false skips body",
			input: "{{#if show}}visible{{/if}}",
			vars:  Variables{"show": false},
			want:  "",
		},
		{
			name:  "missing path skips body",
			input: "{{#if show}}visible{{/if}}",
			vars:  Variables{},
			want:  "",
		},
		{
			name:  "empty string is falsy",
			input: "{{#if phone}}Call {{phone}}{{/if}}",
			vars:  Variables{"phone": ""},
			want:  "",
		},
		{
			name:  "non-empty string is truthy",
			input: "{{#if phone}}Call {{phone}}{{/if}}",
			vars:  Variables{"phone": "555-0100"},
			want:  "Call 555-0100",
		},
		{
			name:  "zero is falsy",
			input: "{{#if count}}has items{{/if}}",
			vars:  Variables{"count": 0},
			want:  "",
		},
		{
			name:  "empty slice is falsy",
			input: "{{#if items}}has items{{/if}}",
			vars:  Variables{"items": []any{}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Render(tt.input, tt.vars)
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRender_MalformedBlocks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		vars  Variables
		want  string
	}{
		{
			name:  "unclosed each keeps literal marker",
			input: "before {{#each items}} after",
			vars:  Variables{"items": []any{map[string]any{}}},
			want:  "before {{#each items}} after",
		},
		{
			name:  "unclosed if keeps literal marker",
			input: "a {{#if show}} b",
			vars:  Variables{"show": true},
			want:  "a {{#if show}} b",
		},
		{
			name:  "stray closer passes through",
			input: "a {{/each}} b",
			vars:  Variables{},
			want:  "a {{/each}} b",
		},
		{
			name:  "scalars after unclosed block still render",
			input: "{{#each items}} {{business_name}}",
			vars:  Variables{"business_name": "Acme"},
			want:  "{{#each items}} Acme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Render(tt.input, tt.vars)
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Rendering a fully-substituted document again with the same variables must
// be a fixed point.
func TestRender_Idempotent(t *testing.T) {
	t.Parallel()

	vars := Variables{
		"business_name": "Acme Plumbing",
		"siteSettings":  map[string]any{"primary_color": "#2563eb"},
		"services": []any{
			map[string]any{"name": "Repair"},
			map[string]any{"name": "Install"},
		},
	}
	input := `<h1>{{business_name}}</h1>
<style>:root { --primary: {{siteSettings.primary_color}}; }</style>
<ul>{{#each services}}<li>{{this.name}}</li>{{/each}}</ul>
{{#if business_name}}<footer>{{business_name}}</footer>{{/if}}`

	once := Render(input, vars)
	if toks := UnresolvedTokens(once); toks != nil {
		t.Fatalf("first render left tokens: %v", toks)
	}
	twice := Render(once, vars)
	if once != twice {
		t.Errorf("render is not a fixed point:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestRender_Deterministic(t *testing.T) {
	t.Parallel()

	vars := Variables{
		"a": "1",
		"b": map[string]any{"c": "2"},
	}
	input := "{{a}}-{{b.c}}-{{missing}}"

	first := Render(input, vars)
	for range 10 {
		if got := Render(input, vars); got != first {
			t.Fatalf("non-deterministic render: %q vs %q", got, first)
		}
	}
}

func TestUnresolvedTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want int
	}{
		{name: "clean document", html: "<p>done</p>", want: 0},
		{name: "one leftover", html: "<p>{{oops}}</p>", want: 1},
		{name: "several leftovers", html: "{{a}} {{b.c}} {{#each x}}", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := UnresolvedTokens(tt.html)
			if len(got) != tt.want {
				t.Errorf("UnresolvedTokens(%q) = %v, want %d tokens", tt.html, got, tt.want)
			}
		})
	}
}
