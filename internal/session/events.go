package session

import (
	"encoding/json"

	"gitlab.com/tozd/go/errors"
)

type EventType string

const (
	EventStatus  EventType = "status"
	EventError   EventType = "error"
	EventSuccess EventType = "success"
)

// Event is one outbound frame. Data is StatusData, ErrorData or SuccessData
// depending on Type.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type StatusData struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

type ErrorData struct {
	PostID string `json:"postId"`
}

type SuccessData struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

func statusEvent(total, processed int) Event {
	return Event{Type: EventStatus, Data: StatusData{Total: total, Processed: processed}}
}

func errorEvent(id string) Event {
	return Event{Type: EventError, Data: ErrorData{PostID: id}}
}

func successEvent(total, errorCount, skipped int) Event {
	return Event{Type: EventSuccess, Data: SuccessData{
		Total:   total,
		Success: total - errorCount,
		Error:   errorCount,
		Skipped: skipped,
	}}
}

// DecodeEvent parses a frame written by a session.
func DecodeEvent(frame []byte) (Event, error) {
	var envelope struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Event{}, errors.Errorf("decoding event: %w", err)
	}
	var data any
	switch envelope.Type {
	case EventStatus:
		data = &StatusData{}
	case EventError:
		data = &ErrorData{}
	case EventSuccess:
		data = &SuccessData{}
	default:
		return Event{}, errors.Errorf("unknown event type %q", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return Event{}, errors.Errorf("decoding %s event: %w", envelope.Type, err)
	}
	switch typed := data.(type) {
	case *StatusData:
		return Event{Type: envelope.Type, Data: *typed}, nil
	case *ErrorData:
		return Event{Type: envelope.Type, Data: *typed}, nil
	case *SuccessData:
		return Event{Type: envelope.Type, Data: *typed}, nil
	}
	return Event{}, errors.Errorf("unknown event type %q", envelope.Type)
}
