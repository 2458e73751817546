package runlog

import (
	"encoding/json"
	"fmt"

	"goa.design/agentic/runtime/agent/execute"
)

type (
	// EventSerializer maps execution stream events to the compact shape
	// persisted in the run log.
	//
	// Returning an empty type with a nil payload and nil error drops the
	// event without persisting it.
	EventSerializer interface {
		Serialize(ev execute.StreamEvent) (eventType string, payload json.RawMessage, err error)
	}

	// JSONEventSerializer is the default serializer. Raw response events are
	// dropped entirely; run item events are labeled with their item name;
	// everything else keeps its wire type label.
	JSONEventSerializer struct{}
)

// Serialize implements EventSerializer.
func (JSONEventSerializer) Serialize(ev execute.StreamEvent) (string, json.RawMessage, error) {
	switch e := ev.(type) {
	case execute.RawResponseEvent:
		return "", nil, nil
	case execute.RunItemEvent:
		payload, err := json.Marshal(struct {
			Type string          `json:"type"`
			Name string          `json:"name"`
			Item json.RawMessage `json:"item,omitempty"`
		}{Type: e.StreamEventType(), Name: e.Name, Item: e.Item})
		if err != nil {
			return "", nil, err
		}
		return e.Name, payload, nil
	case execute.AgentUpdatedEvent:
		payload, err := json.Marshal(struct {
			Type  string `json:"type"`
			Agent string `json:"agent"`
		}{Type: e.StreamEventType(), Agent: e.AgentName})
		if err != nil {
			return "", nil, err
		}
		return e.StreamEventType(), payload, nil
	case nil:
		return "", nil, fmt.Errorf("stream event is nil")
	default:
		payload, err := json.Marshal(struct {
			Type string `json:"type"`
		}{Type: ev.StreamEventType()})
		if err != nil {
			return "", nil, err
		}
		return ev.StreamEventType(), payload, nil
	}
}
