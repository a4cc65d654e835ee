package session

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/rebrander/internal/rebrand"
	"github.com/agentworkforce/rebrander/internal/schema"
)

const (
	DefaultConcurrencyLimit = 100
	MaxConcurrencyLimit     = 1000
)

// Request is the single configuration message a client sends to start a run.
type Request struct {
	URL                string  `json:"url"`
	Credential         string  `json:"credential"`
	TargetString       string  `json:"targetString"`
	ReplacementString  string  `json:"replacementString"`
	ConcurrencyLimit   int     `json:"concurrencyLimit"`
	FaultInjectionRate float64 `json:"faultInjectionRate"`
}

const requestSchemaURL = "https://rebrander.invalid/schemas/session-request.json"

const requestSchema = `{
  "type": "object",
  "required": ["url", "credential", "targetString", "replacementString"],
  "properties": {
    "url": {"type": "string", "format": "uri"},
    "credential": {"type": "string", "pattern": "^[a-z0-9]+:[a-z0-9]+$"},
    "targetString": {"type": "string", "minLength": 1},
    "replacementString": {"type": "string", "minLength": 1},
    "concurrencyLimit": {"type": "integer", "minimum": 1, "maximum": 1000},
    "faultInjectionRate": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var requestSchemaOnce = sync.OnceValue(func() *jsonschema.Schema {
	return schema.MustCompile(requestSchemaURL, requestSchema, true)
})

// RequestError describes why a configuration message was rejected.
type RequestError struct {
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return "invalid request"
	}
	return "invalid request: " + e.Detail
}

func (e *RequestError) Is(target error) bool {
	return target == rebrand.ErrConfigValidation
}

// Reason is the close reason sent to the client.
func (e *RequestError) Reason() string {
	if e.Detail == "" {
		return "Invalid request, expected valid JSON"
	}
	return "Invalid request: " + e.Detail
}

// ParseRequest validates a configuration message and fills in defaults. The
// returned error message is suitable as a close reason.
func ParseRequest(data []byte) (Request, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Request{}, &RequestError{}
	}
	if err := requestSchemaOnce().Validate(inst); err != nil {
		return Request{}, &RequestError{Detail: schema.Summarize(err)}
	}
	var fields struct {
		Request
		ConcurrencyLimit   *int     `json:"concurrencyLimit"`
		FaultInjectionRate *float64 `json:"faultInjectionRate"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, &RequestError{Detail: err.Error()}
	}
	req := fields.Request
	req.ConcurrencyLimit = DefaultConcurrencyLimit
	if fields.ConcurrencyLimit != nil {
		req.ConcurrencyLimit = *fields.ConcurrencyLimit
	}
	if fields.FaultInjectionRate != nil {
		req.FaultInjectionRate = *fields.FaultInjectionRate
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Request{}, &RequestError{Detail: "url must be an http or https address"}
	}
	return req, nil
}

// NotificationInterval is how many processed posts separate two status events.
func NotificationInterval(concurrencyLimit int) int {
	interval := (concurrencyLimit + 5) / 10
	if interval < 1 {
		return 1
	}
	return interval
}
