package firehose

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNoLabels marks a well-formed frame that carries no label data.
	ErrNoLabels       = errors.New("frame carries no label data")
	ErrMalformedFrame = errors.New("malformed frame")
)

type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingText
)

func (e Encoding) String() string {
	if e == EncodingText {
		return "text"
	}
	return "binary"
}

// LabelEvent is one label applied to (or retracted from) a subject by a labeler.
type LabelEvent struct {
	Src string `cbor:"src" json:"src"`
	URI string `cbor:"uri" json:"uri"`
	CID string `cbor:"cid" json:"cid,omitempty"`
	Val string `cbor:"val" json:"val"`
	Neg bool   `cbor:"neg" json:"neg,omitempty"`
	Cts string `cbor:"cts" json:"cts,omitempty"`
	// Seq is the stream sequence of the frame the label arrived in.
	Seq int64 `cbor:"-" json:"-"`
}

// StreamError is an error frame (header op -1) sent by the labeler.
type StreamError struct {
	Code    string `cbor:"error"`
	Message string `cbor:"message"`
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "stream error: " + e.Code
	}
	return fmt.Sprintf("stream error: %s: %s", e.Code, e.Message)
}

type frameHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

type framePayload struct {
	Seq    int64        `cbor:"seq" json:"seq"`
	Labels []LabelEvent `cbor:"labels" json:"labels"`
	Label  *LabelEvent  `cbor:"label" json:"label"`
}

const (
	opMessage = 1
	opError   = -1
)

// Decode turns a raw frame into label events. Binary frames are either a single
// CBOR object or an event-stream header followed by its body. Entries missing a uri
// or val are dropped.
func Decode(encoding Encoding, data []byte) ([]LabelEvent, error) {
	var (
		payload framePayload
		err     error
	)
	switch encoding {
	case EncodingText:
		if err = json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrMalformedFrame, err)
		}
	default:
		payload, err = decodeBinary(data)
		if err != nil {
			return nil, err
		}
	}
	return payload.events()
}

func decodeBinary(data []byte) (framePayload, error) {
	var payload framePayload
	if len(data) == 0 {
		return payload, fmt.Errorf("%w: empty binary frame", ErrMalformedFrame)
	}
	var header frameHeader
	rest, err := cbor.UnmarshalFirst(data, &header)
	if err != nil {
		return payload, fmt.Errorf("%w: cbor: %v", ErrMalformedFrame, err)
	}
	if len(rest) == 0 || header.Op == 0 {
		if _, err := cbor.UnmarshalFirst(data, &payload); err != nil {
			return payload, fmt.Errorf("%w: cbor: %v", ErrMalformedFrame, err)
		}
		return payload, nil
	}

	switch header.Op {
	case opError:
		streamErr := &StreamError{}
		if _, err := cbor.UnmarshalFirst(rest, streamErr); err != nil {
			return payload, fmt.Errorf("%w: cbor error body: %v", ErrMalformedFrame, err)
		}
		return payload, streamErr
	case opMessage:
		if header.T != "" && header.T != "#labels" {
			return payload, fmt.Errorf("%w: message type %s", ErrNoLabels, header.T)
		}
		if _, err := cbor.UnmarshalFirst(rest, &payload); err != nil {
			return payload, fmt.Errorf("%w: cbor body: %v", ErrMalformedFrame, err)
		}
		return payload, nil
	default:
		return payload, fmt.Errorf("%w: unknown op %d", ErrMalformedFrame, header.Op)
	}
}

func (p framePayload) events() ([]LabelEvent, error) {
	candidates := p.Labels
	if len(candidates) == 0 && p.Label != nil {
		candidates = []LabelEvent{*p.Label}
	}
	if len(candidates) == 0 {
		return nil, ErrNoLabels
	}
	events := make([]LabelEvent, 0, len(candidates))
	for _, event := range candidates {
		if event.URI == "" || event.Val == "" {
			continue
		}
		event.Seq = p.Seq
		events = append(events, event)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %d label entries missing uri or val", ErrMalformedFrame, len(candidates))
	}
	return events, nil
}
