package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Event type suffixes the engine understands.
const (
	SuffixInitial = ":INITIAL"
	SuffixFinal   = ":FINAL"
	SuffixError   = ":ERROR"
)

// EventKind is the closed set of lifecycle roles an event type can play.
type EventKind int

const (
	KindOther EventKind = iota
	KindInitial
	KindFinal
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindInitial:
		return "INITIAL"
	case KindFinal:
		return "FINAL"
	case KindError:
		return "ERROR"
	default:
		return "OTHER"
	}
}

// Suffix returns the type suffix of the kind, or "" for KindOther.
func (k EventKind) Suffix() string {
	switch k {
	case KindInitial:
		return SuffixInitial
	case KindFinal:
		return SuffixFinal
	case KindError:
		return SuffixError
	default:
		return ""
	}
}

// LikePattern returns the SQL LIKE pattern that narrows event types to the
// kind. LIKE may ignore case, so rows it selects are confirmed with Kind.
func (k EventKind) LikePattern() string {
	return "%" + k.Suffix()
}

// Terminal reports whether the kind closes a context (FINAL or ERROR).
func (k EventKind) Terminal() bool {
	return k == KindFinal || k == KindError
}

// ClassifyEventType maps an event type string onto its EventKind.
// Only the segment after the last colon is considered.
func ClassifyEventType(eventType string) EventKind {
	i := strings.LastIndex(eventType, ":")
	if i < 0 {
		return KindOther
	}
	switch eventType[i:] {
	case SuffixInitial:
		return KindInitial
	case SuffixFinal:
		return KindFinal
	case SuffixError:
		return KindError
	default:
		return KindOther
	}
}

// EventTypePrefix returns the type with its lifecycle suffix removed,
// e.g. "census/load:INITIAL" -> "census/load".
func EventTypePrefix(eventType string) string {
	if ClassifyEventType(eventType) == KindOther {
		return eventType
	}
	return eventType[:strings.LastIndex(eventType, ":")]
}

// Event is one immutable row of the event log.
type Event struct {
	EventID      int64          `gorm:"column:event_id;primaryKey;autoIncrement" json:"event_id"`
	EtlContextID int64          `gorm:"column:etl_context_id;index;not null" json:"etl_context_id"`
	Type         string         `gorm:"column:type;size:255;not null" json:"type"`
	Payload      datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Meta         datatypes.JSON `gorm:"column:meta" json:"meta,omitempty"`
	Error        bool           `gorm:"column:error;not null;default:false" json:"error"`
	CreatedAt    time.Time      `gorm:"column:_created_timestamp;autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"_created_timestamp"`
}

// TableName implements gorm's tabler.
func (Event) TableName() string { return "event_store" }

// Kind classifies the event's type.
func (e *Event) Kind() EventKind {
	return ClassifyEventType(e.Type)
}

// DecodeMeta reads the engine bookkeeping fields from Meta.
func (e *Event) DecodeMeta() (EventMeta, error) {
	var m EventMeta
	if len(e.Meta) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Meta, &m); err != nil {
		return m, fmt.Errorf("decode event meta: %w", err)
	}
	return m, nil
}

// DecodePayload unmarshals Payload into v.
func (e *Event) DecodePayload(v any) error {
	return DecodeJSON(e.Payload, v)
}

// DecodeJSON unmarshals a stored payload into v. Top-level arrays are stored
// as a JSON string; for a non-string target the string is unwrapped first.
// Empty input leaves v untouched.
func DecodeJSON(raw []byte, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' && !stringTarget(v) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			if trimmed := strings.TrimSpace(inner); strings.HasPrefix(trimmed, "[") {
				return json.Unmarshal([]byte(trimmed), v)
			}
		}
	}
	return json.Unmarshal(raw, v)
}

func stringTarget(v any) bool {
	t := reflect.TypeOf(v)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.String
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(eventType string, payload any) (*Event, error) {
	ev := &Event{Type: eventType}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ev.Payload = raw
	return ev, nil
}

// EventMeta holds the engine bookkeeping stored alongside caller metadata.
type EventMeta struct {
	WorkerRef        string       `json:"worker_ref,omitempty"`
	HostID           string       `json:"host_id,omitempty"`
	Queue            string       `json:"queue,omitempty"`
	SendOptions      *SendOptions `json:"send_options,omitempty"`
	SubtaskKey       string       `json:"subtask_key,omitempty"`
	SubtaskContextID int64        `json:"subtask_context_id,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
}

// SendOptions records how a task was submitted.
type SendOptions struct {
	Priority   int           `json:"priority,omitempty"`
	MaxRetries int           `json:"retry_limit"`
	ExpireIn   time.Duration `json:"expire_in,omitempty"`
	RunAt      *time.Time    `json:"start_after,omitempty"`
}

// MergeMeta overlays the non-empty engine fields of m onto the caller metadata
// in raw. Caller keys that collide with engine keys are overwritten.
func MergeMeta(raw datatypes.JSON, m EventMeta) (datatypes.JSON, error) {
	merged := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, fmt.Errorf("meta must be a JSON object: %w", err)
		}
	}

	engine, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(engine, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}
