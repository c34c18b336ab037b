// Package request defines the client write request that the log stores and
// its binary encoding.
//
// A record is encoded with the protobuf wire format:
//
//	1: id            bytes  (16-byte UUID, required)
//	2: client_id     varint
//	3: client_offset varint
//	4: op            varint (required)
//	5: key           bytes
//	6: value         bytes
//
// Decode is strict: unknown fields, truncated fields, a missing id or an
// unknown op are errors. The log file uses Decode as its record validator.
package request

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"replog/pkg/logerrors"
	"replog/pkg/types"
)

type Operation uint8

const (
	InsertOp Operation = iota + 1
	DeleteOp
)

func (op Operation) String() string {
	switch op {
	case InsertOp:
		return "put"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// ParseOperation maps the API names "put" and "delete" to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "put", "insert":
		return InsertOp, nil
	case "delete":
		return DeleteOp, nil
	}
	return 0, fmt.Errorf("%w: unknown operation %q", logerrors.ErrInvalidArgument, s)
}

// Request is a single client write.
type Request struct {
	ID           uuid.UUID
	ClientID     types.ClientID
	ClientOffset types.ClientOffset
	Op           Operation
	Key          []byte
	Value        []byte
}

func New(client types.ClientID, seq types.ClientOffset, op Operation, key, value []byte) *Request {
	return &Request{
		ID:           uuid.New(),
		ClientID:     client,
		ClientOffset: seq,
		Op:           op,
		Key:          key,
		Value:        value,
	}
}

// Validate checks the fields a request must carry to be applied.
func (r *Request) Validate() error {
	switch r.Op {
	case InsertOp:
		if len(r.Key) == 0 || len(r.Value) == 0 {
			return fmt.Errorf("%w: empty key or value", logerrors.ErrInvalidArgument)
		}
	case DeleteOp:
		if len(r.Key) == 0 {
			return fmt.Errorf("%w: empty key", logerrors.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown operation %v", logerrors.ErrInvalidArgument, r.Op)
	}
	return nil
}

const (
	fieldID protowire.Number = iota + 1
	fieldClientID
	fieldClientOffset
	fieldOp
	fieldKey
	fieldValue
)

var (
	errMissingID = errors.New("missing request id")
	errBadOp     = errors.New("unknown operation")
)

// Encode serializes r.
func Encode(r *Request) []byte {
	b := make([]byte, 0, 32+len(r.Key)+len(r.Value))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	b = protowire.AppendTag(b, fieldClientID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ClientID))
	b = protowire.AppendTag(b, fieldClientOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ClientOffset))
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// Decode parses a record produced by Encode. Byte fields are copied.
func Decode(b []byte) (*Request, error) {
	var (
		r     Request
		hasID bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, decodeErr(protowire.ParseError(m))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, decodeErr(err)
			}
			r.ID, hasID = id, true
			n = m
		case num == fieldKey && typ == protowire.BytesType,
			num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, decodeErr(protowire.ParseError(m))
			}
			if num == fieldKey {
				r.Key = append([]byte(nil), v...)
			} else {
				r.Value = append([]byte(nil), v...)
			}
			n = m
		case typ == protowire.VarintType && num >= fieldClientID && num <= fieldOp:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, decodeErr(protowire.ParseError(m))
			}
			switch num {
			case fieldClientID:
				r.ClientID = types.ClientID(v)
			case fieldClientOffset:
				r.ClientOffset = types.ClientOffset(v)
			case fieldOp:
				if v != uint64(InsertOp) && v != uint64(DeleteOp) {
					return nil, decodeErr(fmt.Errorf("%w %d", errBadOp, v))
				}
				r.Op = Operation(v)
			}
			n = m
		default:
			return nil, decodeErr(fmt.Errorf("unexpected field %d (wire type %d)", num, typ))
		}
		b = b[n:]
	}

	if !hasID {
		return nil, decodeErr(errMissingID)
	}
	if r.Op == 0 {
		return nil, decodeErr(errBadOp)
	}
	return &r, nil
}

// Check is Decode without the result, shaped as a record validator.
func Check(b []byte) error {
	_, err := Decode(b)
	return err
}

func decodeErr(err error) error {
	return fmt.Errorf("%w: %w", logerrors.ErrCorruptRecord, err)
}
