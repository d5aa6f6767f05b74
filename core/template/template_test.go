package template

import (
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	scope := Scope{
		Input: map[string]any{
			"user":  map[string]any{"name": "Ada", "langs": []any{"go", "sql"}},
			"count": 3.0,
		},
		Nodes: map[string]any{
			"fetch": map[string]any{"items": []any{map[string]any{"id": "x1"}}},
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "no placeholders", "no placeholders"},
		{"input path", "Hi {{input.user.name}}", "Hi Ada"},
		{"shorthand", "Hi {{ user.name }}", "Hi Ada"},
		{"array index", "{{user.langs[1]}}/{{user.langs.0}}", "sql/go"},
		{"node output", "id={{fetch.items[0].id}}", "id=x1"},
		{"number", "n={{count}}", "n=3"},
		{"object as json", "{{user.langs}}", `["go","sql"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, scope)
			if err != nil {
				t.Fatalf("Render returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_WholeInput(t *testing.T) {
	got, err := Render("Echo: {{input}}", Scope{Input: "hello"})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got != "Echo: hello" {
		t.Errorf("Render = %q, want %q", got, "Echo: hello")
	}
}

func TestRender_MissingField(t *testing.T) {
	_, err := Render("{{user.email}}", Scope{Input: map[string]any{"user": map[string]any{}}})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}

	_, err = Render("{{input.name}}", Scope{Input: "plain"})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField descending into a string, got %v", err)
	}
}

func TestLookup_NormalizesStructs(t *testing.T) {
	type item struct {
		Name string `json:"name"`
	}
	got, err := Lookup(struct {
		Items []item `json:"items"`
	}{Items: []item{{Name: "a"}, {Name: "b"}}}, "items[1].name")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != "b" {
		t.Errorf("Lookup = %v, want b", got)
	}

	if _, err := Lookup([]any{1.0}, "5"); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected out of range error, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{a}} and {{ b.c }} and {{a}}")
	want := []string{"a", "b.c", "a"}
	if len(got) != len(want) {
		t.Fatalf("Placeholders = %v, want %v", got, want)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Errorf("Placeholders[%d] = %q, want %q", index, got[index], want[index])
		}
	}
}
