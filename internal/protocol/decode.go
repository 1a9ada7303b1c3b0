package protocol

import (
	"errors"
	"fmt"

	"github.com/valyala/fastjson"
)

// ErrInvalidMessage is matched by every decoding failure
var ErrInvalidMessage = errors.New("invalid message")

// DecodeError describes why a frame was rejected
type DecodeError struct {
	RequestID string
	Reason    string
}

func (e *DecodeError) Error() string { return "invalid message: " + e.Reason }

func (e *DecodeError) Is(target error) bool { return target == ErrInvalidMessage }

// Request is implemented by every client to server event
type Request interface {
	RequestType() string
	ID() string
}

// Base contains fields shared by all requests
type Base struct {
	RequestID string
}

func (b Base) ID() string { return b.RequestID }

type LoadHistory struct {
	Base
	ConversationRef int64
	Kind            string
	// Cursor is zero when absent
	Cursor int64
	// Limit is zero when absent
	Limit int
}

func (LoadHistory) RequestType() string { return TypeLoadHistory }

type SendDirect struct {
	Base
	RecipientID int64
	Text        string
	ImageRef    string
}

func (SendDirect) RequestType() string { return TypeSendDirect }

type SendGroup struct {
	Base
	GroupID  int64
	Text     string
	ImageRef string
}

func (SendGroup) RequestType() string { return TypeSendGroup }

type Recall struct {
	Base
	MessageID int64
}

func (Recall) RequestType() string { return TypeRecall }

type MarkRead struct {
	Base
	PeerID int64
}

func (MarkRead) RequestType() string { return TypeMarkRead }

// Decoder validates raw frames and turns them into typed requests.
// It is safe for concurrent use.
type Decoder struct {
	pool fastjson.ParserPool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one frame. Errors are *DecodeError.
func (d *Decoder) Decode(frame []byte) (Request, error) {
	parser := d.pool.Get()
	defer d.pool.Put(parser)

	v, err := parser.ParseBytes(frame)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed JSON"}
	}
	if v.Type() != fastjson.TypeObject {
		return nil, &DecodeError{Reason: "frame must be an object"}
	}

	var base Base
	if rv := v.Get("requestId"); rv != nil && rv.Type() != fastjson.TypeNull {
		b, err := rv.StringBytes()
		if err != nil {
			return nil, &DecodeError{Reason: `field "requestId" must be a string`}
		}
		base.RequestID = string(b)
	}

	typeValue := v.Get("type")
	if typeValue == nil {
		return nil, &DecodeError{RequestID: base.RequestID, Reason: `missing field "type"`}
	}
	typ, err := typeValue.StringBytes()
	if err != nil {
		return nil, &DecodeError{RequestID: base.RequestID, Reason: `field "type" must be a string`}
	}

	data := v.Get("data")
	if data == nil || data.Type() != fastjson.TypeObject {
		return nil, &DecodeError{RequestID: base.RequestID, Reason: `field "data" must be an object`}
	}

	req, err := decodeData(string(typ), base, data)
	if err != nil {
		return nil, &DecodeError{RequestID: base.RequestID, Reason: err.Error()}
	}
	return req, nil
}

func decodeData(typ string, base Base, data *fastjson.Value) (Request, error) {
	switch typ {
	case TypeLoadHistory:
		ref, err := requiredID(data, "conversationRef")
		if err != nil {
			return nil, err
		}
		kind, err := requiredString(data, "type")
		if err != nil {
			return nil, err
		}
		if kind != KindFriend && kind != KindGroup {
			return nil, fmt.Errorf(`field "type" must be %q or %q`, KindFriend, KindGroup)
		}
		cursor, err := optionalID(data, "cursor")
		if err != nil {
			return nil, err
		}
		limit, err := optionalID(data, "limit")
		if err != nil {
			return nil, err
		}
		return LoadHistory{Base: base, ConversationRef: ref, Kind: kind, Cursor: cursor, Limit: int(limit)}, nil

	case TypeSendDirect:
		recipient, err := requiredID(data, "recipientId")
		if err != nil {
			return nil, err
		}
		text, image, err := body(data)
		if err != nil {
			return nil, err
		}
		return SendDirect{Base: base, RecipientID: recipient, Text: text, ImageRef: image}, nil

	case TypeSendGroup:
		group, err := requiredID(data, "groupId")
		if err != nil {
			return nil, err
		}
		text, image, err := body(data)
		if err != nil {
			return nil, err
		}
		return SendGroup{Base: base, GroupID: group, Text: text, ImageRef: image}, nil

	case TypeRecall:
		id, err := requiredID(data, "messageId")
		if err != nil {
			return nil, err
		}
		return Recall{Base: base, MessageID: id}, nil

	case TypeMarkRead:
		peer, err := requiredID(data, "peerId")
		if err != nil {
			return nil, err
		}
		return MarkRead{Base: base, PeerID: peer}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", typ)
	}
}

// body extracts text and imageRef; it checks types only
func body(data *fastjson.Value) (string, string, error) {
	text, err := optionalString(data, "text")
	if err != nil {
		return "", "", err
	}
	image, err := optionalString(data, "imageRef")
	if err != nil {
		return "", "", err
	}
	return text, image, nil
}

func requiredID(v *fastjson.Value, field string) (int64, error) {
	if !v.Exists(field) {
		return 0, fmt.Errorf("missing field %q", field)
	}
	id, err := optionalID(v, field)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("field %q must be a positive integer", field)
	}
	return id, nil
}

// optionalID returns zero for an absent or null field
func optionalID(v *fastjson.Value, field string) (int64, error) {
	fv := v.Get(field)
	if fv == nil || fv.Type() == fastjson.TypeNull {
		return 0, nil
	}
	id, err := fv.Int64()
	if err != nil || id < 1 {
		return 0, fmt.Errorf("field %q must be a positive integer", field)
	}
	return id, nil
}

func requiredString(v *fastjson.Value, field string) (string, error) {
	if !v.Exists(field) {
		return "", fmt.Errorf("missing field %q", field)
	}
	return optionalString(v, field)
}

func optionalString(v *fastjson.Value, field string) (string, error) {
	fv := v.Get(field)
	if fv == nil || fv.Type() == fastjson.TypeNull {
		return "", nil
	}
	b, err := fv.StringBytes()
	if err != nil {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return string(b), nil
}
