// Package template renders prompt templates and resolves dot paths over
// node outputs.
//
// A placeholder is written {{path}}. {{input}} is the node's input value; any
// other path is resolved first against a predecessor node id, then against
// the input value:
//
//	{{input}}              whole input
//	{{input.user.name}}    field of the input
//	{{user.name}}          same field, shorthand
//	{{fetch.items[0].id}}  output of predecessor "fetch"
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingField is wrapped when a placeholder or path does not resolve.
var ErrMissingField = errors.New("template: missing field")

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is the data a template is rendered against.
type Scope struct {
	// Input is the node's input value.
	Input any

	// Nodes holds predecessor outputs keyed by node id.
	Nodes map[string]any
}

// Render replaces every placeholder in text with the stringified value it
// refers to. It fails on the first placeholder that does not resolve.
func Render(text string, scope Scope) (string, error) {
	var renderErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		if renderErr != nil {
			return match
		}
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, err := scope.Resolve(path)
		if err != nil {
			renderErr = err
			return match
		}
		return Stringify(value)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}

// Placeholders lists the paths referenced by text in order of appearance.
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, match[1])
	}
	return paths
}

// Resolve looks up a placeholder path in the scope.
func (scope Scope) Resolve(path string) (any, error) {
	path = strings.TrimSpace(path)
	head, rest, _ := strings.Cut(path, ".")
	switch {
	case path == "input":
		return scope.Input, nil
	case head == "input":
		return Lookup(scope.Input, rest)
	}
	if output, found := scope.Nodes[head]; found {
		if rest == "" {
			return output, nil
		}
		return Lookup(output, rest)
	}
	return Lookup(scope.Input, path)
}

// Lookup walks a dot path such as "items[2].name" or "items.2.name" through
// nested maps and slices. An empty path returns value itself.
func Lookup(value any, path string) (any, error) {
	if path == "" {
		return value, nil
	}
	current := normalize(value)
	walked := ""
	for _, segment := range splitPath(path) {
		if walked == "" {
			walked = segment
		} else {
			walked += "." + segment
		}
		switch typed := current.(type) {
		case map[string]any:
			next, found := typed[segment]
			if !found {
				return nil, fmt.Errorf("%w: %q", ErrMissingField, walked)
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, fmt.Errorf("%w: %q: index out of range", ErrMissingField, walked)
			}
			current = typed[index]
		default:
			return nil, fmt.Errorf("%w: %q: cannot descend into %s", ErrMissingField, walked, kind(current))
		}
	}
	return current, nil
}

// splitPath turns "a.b[1].c" into [a b 1 c].
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	segments := make([]string, 0)
	for _, segment := range strings.Split(path, ".") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// Stringify renders a value for interpolation: strings verbatim, nil as the
// empty string, everything else as compact JSON.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case fmt.Stringer:
		return typed.String()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

func normalize(value any) any {
	switch value.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return value
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return value
	}
	return decoded
}

func kind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", value)
	}
}
