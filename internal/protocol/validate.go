package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeBatchSubmit:       true,
	TypeBatchSubscribe:    true,
	TypeDimensionsExtract: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeBatchSubmit:
		var p BatchSubmitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Part == "" {
			return nil, fmt.Errorf("missing required field 'part' in %s payload", msg.Type)
		}
		if p.Output == "" {
			return nil, fmt.Errorf("missing required field 'output' in %s payload", msg.Type)
		}
		if p.Format == "" {
			return nil, fmt.Errorf("missing required field 'format' in %s payload", msg.Type)
		}
		if len(p.Configurations) == 0 {
			return nil, fmt.Errorf("missing required field 'configurations' in %s payload", msg.Type)
		}

	case TypeBatchSubscribe:
		var p BatchIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.BatchID == "" {
			return nil, fmt.Errorf("missing required field 'batchId' in %s payload", msg.Type)
		}

	case TypeDimensionsExtract:
		var p DimensionsExtractPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Part == "" {
			return nil, fmt.Errorf("missing required field 'part' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
