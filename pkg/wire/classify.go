package wire

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind is the result of classifying an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Classify reports which envelope a frame carries. It is total: garbage,
// empty input, non-map roots and foreign messages all yield KindUnknown.
//
// The discriminator is the type of "id": an integral number names a pending
// call, a string names a push topic.
func Classify(codec Codec, frame []byte) Kind {
	fields, ok := probe(codec, frame)
	if !ok {
		return KindUnknown
	}
	switch {
	case isResponseShape(fields):
		return KindResponse
	case isRequestShape(fields):
		return KindRequest
	case isPushShape(fields):
		return KindPush
	default:
		return KindUnknown
	}
}

// IsRequest reports whether the frame is request-like: an integral id and a
// channel name. Responses are request-like too.
func IsRequest(codec Codec, frame []byte) bool {
	fields, ok := probe(codec, frame)
	return ok && isRequestShape(fields)
}

// IsResponse reports whether the frame is request-like and carries a status.
func IsResponse(codec Codec, frame []byte) bool {
	fields, ok := probe(codec, frame)
	return ok && isResponseShape(fields)
}

// IsPush reports whether the frame is a push: a string id with neither a
// channel nor a status.
func IsPush(codec Codec, frame []byte) bool {
	fields, ok := probe(codec, frame)
	return ok && isPushShape(fields)
}

func probe(codec Codec, frame []byte) (fields map[string]any, ok bool) {
	if len(frame) == 0 {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			fields, ok = nil, false
		}
	}()
	if err := codec.Unmarshal(frame, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func isRequestShape(fields map[string]any) bool {
	if _, ok := correlationID(fields["id"]); !ok {
		return false
	}
	_, ok := fields["channel"].(string)
	return ok
}

func isResponseShape(fields map[string]any) bool {
	if !isRequestShape(fields) {
		return false
	}
	_, ok := fields["status"].(string)
	return ok
}

func isPushShape(fields map[string]any) bool {
	if _, ok := fields["id"].(string); !ok {
		return false
	}
	if _, ok := fields["channel"]; ok {
		return false
	}
	_, hasStatus := fields["status"]
	return !hasStatus
}

// correlationID accepts the integral numeric forms produced by the JSON and
// CBOR decoders.
func correlationID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Encode frames an envelope.
func Encode(codec Codec, envelope any) ([]byte, error) {
	frame, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%s - encode %T: %w", logPrefix, envelope, err)
	}
	return frame, nil
}

// DecodeRequest decodes a request frame.
func DecodeRequest(codec Codec, frame []byte) (*Request, error) {
	var req Request
	if err := codec.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%s - decode request: %w", logPrefix, err)
	}
	return &req, nil
}

// DecodeResponse decodes a response frame.
func DecodeResponse(codec Codec, frame []byte) (*Response, error) {
	var resp Response
	if err := codec.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("%s - decode response: %w", logPrefix, err)
	}
	return &resp, nil
}

// DecodePush decodes a push frame.
func DecodePush(codec Codec, frame []byte) (*Push, error) {
	var push Push
	if err := codec.Unmarshal(frame, &push); err != nil {
		return nil, fmt.Errorf("%s - decode push: %w", logPrefix, err)
	}
	return &push, nil
}
