package hubproto

import (
	"encoding/json"
	"fmt"
)

// MarshalEnvelope builds a JSON-encoded Envelope from a frame type and payload.
func MarshalEnvelope(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	data, err := json.Marshal(Envelope{Type: frameType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", frameType, err)
	}
	return data, nil
}

// NewInvocation encodes each argument of an RPC call.
func NewInvocation(id, target string, args ...any) (Invocation, error) {
	inv := Invocation{InvocationID: id, Target: target, Arguments: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Invocation{}, fmt.Errorf("marshal %s argument %d: %w", target, i, err)
		}
		inv.Arguments = append(inv.Arguments, raw)
	}
	return inv, nil
}

// Arg decodes the i-th argument of an invocation into v.
func (inv Invocation) Arg(i int, v any) error {
	if i >= len(inv.Arguments) {
		return fmt.Errorf("%s: missing argument %d", inv.Target, i)
	}
	if err := json.Unmarshal(inv.Arguments[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", inv.Target, i, err)
	}
	return nil
}
