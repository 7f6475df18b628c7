package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ibamex-backend/internal/models"

	"github.com/go-playground/validator/v10"
)

// Kind identifies which telemetry stream a topic carries.
type Kind int

const (
	KindCount Kind = iota + 1
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindStatus:
		return "status"
	}
	return "unknown"
}

// Message is the closed set of decoded telemetry: *CountMessage or
// *StatusMessage.
type Message interface {
	Bus() string
	message()
}

type CountMessage struct {
	BusID   string
	RouteID string
	Count   int
}

func (m *CountMessage) Bus() string { return m.BusID }
func (*CountMessage) message()      {}

type StatusMessage struct {
	BusID        string
	Status       *models.BusStatus
	BatteryLevel *float64
	RouteID      *string
}

func (m *StatusMessage) Bus() string { return m.BusID }
func (*StatusMessage) message()      {}

// Fields returns the partial update carried by the message.
func (m *StatusMessage) Fields() models.BusFields {
	return models.BusFields{
		Status:       m.Status,
		BatteryLevel: m.BatteryLevel,
		RouteID:      m.RouteID,
	}
}

var ErrDecode = errors.New("decode telemetry")

// DecodeError describes a payload that could not become a Message.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s message: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s message: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type countPayload struct {
	BusID   string  `json:"busId" validate:"required"`
	RouteID *string `json:"routeId"`
	Count   *int    `json:"count" validate:"required,min=0,max=10000"`
}

type statusPayload struct {
	BusID        string   `json:"busId" validate:"required"`
	Status       *string  `json:"status" validate:"omitempty,oneof=active inactive maintenance"`
	BatteryLevel *float64 `json:"batteryLevel" validate:"omitempty,min=0,max=100"`
	RouteID      *string  `json:"routeId"`
}

var validate = validator.New()

// Decode turns a raw payload into a Message of the given kind.
func Decode(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindCount:
		return decodeCount(payload)
	case KindStatus:
		return decodeStatus(payload)
	}
	return nil, &DecodeError{Kind: kind, Reason: "unsupported message kind"}
}

func decodeCount(payload []byte) (Message, error) {
	var p countPayload
	if err := unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Kind: KindCount, Reason: "malformed payload", Err: err}
	}

	p.BusID = strings.TrimSpace(p.BusID)
	if err := validate.Struct(&p); err != nil {
		return nil, &DecodeError{Kind: KindCount, Reason: "invalid fields", Err: err}
	}

	msg := &CountMessage{
		BusID:   p.BusID,
		RouteID: models.UnknownRoute,
		Count:   *p.Count,
	}
	if p.RouteID != nil && strings.TrimSpace(*p.RouteID) != "" {
		msg.RouteID = strings.TrimSpace(*p.RouteID)
	}
	return msg, nil
}

func decodeStatus(payload []byte) (Message, error) {
	var p statusPayload
	if err := unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Kind: KindStatus, Reason: "malformed payload", Err: err}
	}

	p.BusID = strings.TrimSpace(p.BusID)
	if err := validate.Struct(&p); err != nil {
		return nil, &DecodeError{Kind: KindStatus, Reason: "invalid fields", Err: err}
	}

	msg := &StatusMessage{
		BusID:        p.BusID,
		BatteryLevel: p.BatteryLevel,
	}
	if p.Status != nil {
		status := models.BusStatus(*p.Status)
		msg.Status = &status
	}
	if p.RouteID != nil && strings.TrimSpace(*p.RouteID) != "" {
		route := strings.TrimSpace(*p.RouteID)
		msg.RouteID = &route
	}
	return msg, nil
}

// unmarshal requires exactly one JSON object.
func unmarshal(payload []byte, v interface{}) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}
