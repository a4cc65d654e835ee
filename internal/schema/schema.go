// Package schema compiles the embedded JSON schemas used to check Ghost
// responses and client requests.
package schema

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MustCompile compiles source registered under location. When assertFormat
// is set, "format" keywords are enforced instead of being annotations. It
// panics on an invalid schema.
func MustCompile(location, source string, assertFormat bool) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if assertFormat {
		c.AssertFormat()
	}
	if err := c.AddResource(location, doc); err != nil {
		panic(err)
	}
	compiled, err := c.Compile(location)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Summarize flattens a validation error into a single line.
func Summarize(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(line), "- ")
	}
	return strings.Join(lines, "; ")
}
