package ghost

import (
	"bytes"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/schema"
)

const postsPageSchemaURL = "https://rebrander.invalid/schemas/ghost-posts-page.json"

const postsPageSchema = `{
  "type": "object",
  "required": ["meta", "posts"],
  "properties": {
    "meta": {
      "type": "object",
      "required": ["pagination"],
      "properties": {
        "pagination": {
          "type": "object",
          "required": ["limit"],
          "properties": {
            "page": {"type": ["integer", "null"]},
            "limit": {"type": "integer"},
            "pages": {"type": ["integer", "null"]},
            "total": {"type": ["integer", "null"]},
            "next": {"type": ["integer", "null"]},
            "prev": {"type": ["integer", "null"]}
          }
        }
      }
    },
    "posts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {"id": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

const siteSchemaURL = "https://rebrander.invalid/schemas/ghost-site.json"

const siteSchema = `{
  "type": "object",
  "required": ["site"],
  "properties": {
    "site": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": {"type": "string"},
        "description": {"type": ["string", "null"]},
        "logo": {"type": ["string", "null"]},
        "icon": {"type": ["string", "null"]},
        "cover_image": {"type": ["string", "null"]},
        "accent_color": {"type": ["string", "null"]},
        "url": {"type": ["string", "null"]}
      }
    }
  }
}`

var (
	postsPageSchemaOnce = sync.OnceValue(func() *jsonschema.Schema {
		return schema.MustCompile(postsPageSchemaURL, postsPageSchema, false)
	})
	siteSchemaOnce = sync.OnceValue(func() *jsonschema.Schema {
		return schema.MustCompile(siteSchemaURL, siteSchema, false)
	})
)

func validateBody(s *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.Errorf("%w: response is not json", ErrParse)
	}
	if err := s.Validate(inst); err != nil {
		return errors.Errorf("%w: %s", ErrParse, schema.Summarize(err))
	}
	return nil
}
