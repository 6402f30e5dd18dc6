// Package bridge relays out-of-band metadata events (renames, status
// changes) from a publish/subscribe bus to the live sessions of the
// affected room. Delivery is at-most-once: nothing is retried or queued
// for disconnected clients.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidEvent = errors.New("bridge: invalid event")

// Event is a metadata event as published on the bus.
type Event struct {
	RoomKey   string          `json:"roomKey"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const eventSchemaURL = "https://collab.internal/schemas/metadata-event.json"

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["roomKey", "eventType"],
	"properties": {
		"roomKey": {
			"type": "string",
			"pattern": "^(workspace|document)-[^\\s/?#]+$"
		},
		"eventType": {
			"type": "string",
			"minLength": 1,
			"maxLength": 128
		},
		"payload": {}
	}
}`

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		panic("bridge: parse event schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic("bridge: add event schema: " + err.Error())
	}
	s, err := c.Compile(eventSchemaURL)
	if err != nil {
		panic("bridge: compile event schema: " + err.Error())
	}
	return s
}

// ParseEvent validates raw bus bytes against the event schema and
// decodes them.
func ParseEvent(raw []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

// Encode validates ev and returns its bus representation.
func (ev Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := ParseEvent(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
