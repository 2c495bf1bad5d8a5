package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/sjson"
)

// applyPatches runs every patch whose File glob matches relPath over a JSON
// document and returns the patched document.
func applyPatches(doc []byte, patches []Patch, relPath string) ([]byte, error) {
	out := doc
	for _, p := range patches {
		pattern := p.File
		if pattern == "" {
			pattern = "**"
		}
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil || !matched {
			continue
		}
		for path, rawValue := range p.Set {
			out, err = applyJSONPatch(out, path, rawValue)
			if err != nil {
				return nil, fmt.Errorf("applying patch %q: %w", path, err)
			}
		}
	}
	return out, nil
}

// applyJSONPatch applies a single path update. rawValue is type-inferred
// before setting so "3" becomes a number and "true" a bool, while bare
// strings stay strings.
func applyJSONPatch(content []byte, path, rawValue string) ([]byte, error) {
	var typedValue any
	if err := json.Unmarshal([]byte(rawValue), &typedValue); err != nil {
		typedValue = rawValue
	}

	result, err := sjson.SetBytes(content, path, typedValue)
	if err != nil {
		return nil, fmt.Errorf("sjson.Set %q: %w", path, err)
	}
	return result, nil
}
