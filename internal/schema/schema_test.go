package schema

import (
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "required": ["url", "count"],
  "properties": {
    "url": {"type": "string", "format": "uri"},
    "count": {"type": "integer", "minimum": 1}
  }
}`

func validate(t *testing.T, s *jsonschema.Schema, doc string) error {
	t.Helper()
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	require.NoError(t, err)
	return s.Validate(inst)
}

func TestMustCompileAssertsFormatOnlyWhenAsked(t *testing.T) {
	lenient := MustCompile("https://rebrander.invalid/schemas/lenient.json", testSchema, false)
	strict := MustCompile("https://rebrander.invalid/schemas/strict.json", testSchema, true)

	doc := `{"url": "not a uri", "count": 1}`
	assert.NoError(t, validate(t, lenient, doc))
	assert.Error(t, validate(t, strict, doc))
	assert.NoError(t, validate(t, strict, `{"url": "https://example.com", "count": 1}`))
}

func TestMustCompilePanicsOnBrokenSchema(t *testing.T) {
	assert.Panics(t, func() { MustCompile("https://rebrander.invalid/schemas/broken.json", `{"type":`, false) })
	assert.Panics(t, func() { MustCompile("https://rebrander.invalid/schemas/bad-type.json", `{"type": 5}`, false) })
}

func TestSummarizeFlattensValidationErrors(t *testing.T) {
	s := MustCompile("https://rebrander.invalid/schemas/summary.json", testSchema, true)
	err := validate(t, s, `{"url": 7, "count": 0}`)
	require.Error(t, err)

	summary := Summarize(err)
	assert.NotContains(t, summary, "\n")
	assert.NotEmpty(t, summary)
	assert.Contains(t, summary, "/url")
	assert.Contains(t, summary, "/count")
}
