package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEnvelopeKind = errors.New("unknown envelope kind")

// frame is the tagged JSON carrier for a RequestEnvelope.
type frame struct {
	Kind    EnvelopeKind     `json:"kind"`
	Control *ControlEnvelope `json:"control,omitempty"`
	Data    *DataEnvelope    `json:"data,omitempty"`
}

// EncodeEnvelope serializes a request envelope into a tagged JSON frame.
func EncodeEnvelope(env RequestEnvelope) ([]byte, error) {
	f := frame{Kind: env.Kind()}
	switch e := env.(type) {
	case *ControlEnvelope:
		f.Control = e
	case *DataEnvelope:
		f.Data = e
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelopeKind, env)
	}
	return json.Marshal(f)
}

// DecodeEnvelope parses a tagged JSON frame back into a request envelope.
func DecodeEnvelope(data []byte) (RequestEnvelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode envelope frame: %w", err)
	}
	switch f.Kind {
	case KindControl:
		if f.Control == nil {
			return nil, fmt.Errorf("%w: control frame without body", ErrUnknownEnvelopeKind)
		}
		return f.Control, nil
	case KindData:
		if f.Data == nil {
			return nil, fmt.Errorf("%w: data frame without body", ErrUnknownEnvelopeKind)
		}
		return f.Data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelopeKind, f.Kind)
	}
}

// EncodeResponse serializes a worker response.
func EncodeResponse(resp *WorkerResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses a worker response.
func DecodeResponse(data []byte) (*WorkerResponse, error) {
	var resp WorkerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	return &resp, nil
}
