package repositories

import (
	"ephemeral-lab/domain"
	"ephemeral-lab/errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a stored record value, as declared in record.proto:
//
//	1 id                  bytes (16)
//	2 kind                varint
//	3 created_at          varint (unix nanos, zigzag)
//	4 self_destruct_after varint (nanos), absent when no TTL
//	5 event               bytes  { 1 name, 2 date }
//	6 message             bytes  { 1 sender, 2 receiver, 3 content }
const (
	fieldID                protowire.Number = 1
	fieldKind              protowire.Number = 2
	fieldCreatedAt         protowire.Number = 3
	fieldSelfDestructAfter protowire.Number = 4
	fieldEvent             protowire.Number = 5
	fieldMessage           protowire.Number = 6

	fieldEventName       protowire.Number = 1
	fieldEventDate       protowire.Number = 2
	fieldMessageSender   protowire.Number = 1
	fieldMessageReceiver protowire.Number = 2
	fieldMessageContent  protowire.Number = 3
)

func marshalRecord(r domain.Record) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind()))
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.CreatedAt.UnixNano()))
	if r.SelfDestructAfter != nil {
		b = protowire.AppendTag(b, fieldSelfDestructAfter, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.SelfDestructAfter))
	}

	switch p := r.Payload.(type) {
	case domain.EventPayload:
		var inner []byte
		inner = appendString(inner, fieldEventName, p.Name)
		inner = appendString(inner, fieldEventDate, p.Date)
		b = protowire.AppendTag(b, fieldEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case domain.MessagePayload:
		var inner []byte
		inner = appendString(inner, fieldMessageSender, p.Sender)
		inner = appendString(inner, fieldMessageReceiver, p.Receiver)
		inner = appendString(inner, fieldMessageContent, p.Content)
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnknownKind, r.Payload)
	}
	return b, nil
}

func unmarshalRecord(b []byte) (domain.Record, error) {
	var (
		record domain.Record
		kind   domain.Kind
		hasID  bool
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, err
			}
			record.ID, hasID = id, true
			return n, nil
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			kind = domain.Kind(v)
			return n, nil
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			record.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case num == fieldSelfDestructAfter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			d := time.Duration(v)
			record.SelfDestructAfter = &d
			return n, nil
		case num == fieldEvent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, nil
			}
			payload, err := unmarshalEvent(v)
			record.Payload = payload
			return n, err
		case num == fieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, nil
			}
			payload, err := unmarshalMessage(v)
			record.Payload = payload
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
	})
	if err != nil {
		return domain.Record{}, err
	}
	if !hasID || record.Payload == nil {
		return domain.Record{}, fmt.Errorf("%w: missing id or payload", errors.ErrCorruptRecord)
	}
	if kind != record.Kind() {
		return domain.Record{}, fmt.Errorf("%w: kind %s does not match payload %s",
			errors.ErrCorruptRecord, kind, record.Kind())
	}
	return record, nil
}

func unmarshalEvent(b []byte) (domain.EventPayload, error) {
	var p domain.EventPayload
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
		v, n := protowire.ConsumeString(field)
		switch num {
		case fieldEventName:
			p.Name = v
		case fieldEventDate:
			p.Date = v
		}
		return n, nil
	})
	return p, err
}

func unmarshalMessage(b []byte) (domain.MessagePayload, error) {
	var p domain.MessagePayload
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
		v, n := protowire.ConsumeString(field)
		switch num {
		case fieldMessageSender:
			p.Sender = v
		case fieldMessageReceiver:
			p.Receiver = v
		case fieldMessageContent:
			p.Content = v
		}
		return n, nil
	})
	return p, err
}

// consumeFields walks every field of b. fn returns the number of bytes it consumed
// for the field value, or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("%w: %w", errors.ErrCorruptRecord, err)
		}
		if m < 0 {
			return fmt.Errorf("%w: %w", errors.ErrCorruptRecord, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// DecodeRecord decodes a raw "rec:" value, for inspection tools.
func DecodeRecord(val []byte) (domain.Record, error) {
	return unmarshalRecord(val)
}
