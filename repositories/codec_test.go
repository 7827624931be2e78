package repositories

import (
	"ephemeral-lab/domain"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type wireField struct {
	num protowire.Number
	typ protowire.Type
}

func wireFields(t *testing.T, b []byte) ([]wireField, map[protowire.Number][]byte) {
	t.Helper()
	var fields []wireField
	values := map[protowire.Number][]byte{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		require.GreaterOrEqual(t, m, 0)
		fields = append(fields, wireField{num: num, typ: typ})
		values[num] = b[:m]
		b = b[m:]
	}
	return fields, values
}

// Field numbers and wire types must stay those of record.proto.
func Test_Record_Value_Follows_Proto_Layout(t *testing.T) {
	req := require.New(t)
	createdAt := time.Date(2024, 5, 1, 9, 30, 0, 42, time.UTC)
	record := domain.Record{
		ID:                uuid.New(),
		Payload:           domain.MessagePayload{Sender: "alice", Receiver: "bob", Content: "hi"},
		CreatedAt:         createdAt,
		SelfDestructAfter: lo.ToPtr(3 * time.Second),
	}
	data, err := marshalRecord(record)
	req.NoError(err)

	fields, values := wireFields(t, data)
	req.Equal([]wireField{
		{num: 1, typ: protowire.BytesType},
		{num: 2, typ: protowire.VarintType},
		{num: 3, typ: protowire.VarintType},
		{num: 4, typ: protowire.VarintType},
		{num: 6, typ: protowire.BytesType},
	}, fields)

	id, _ := protowire.ConsumeBytes(values[1])
	req.Equal(record.ID[:], id)
	kind, _ := protowire.ConsumeVarint(values[2])
	req.Equal(uint64(2), kind)
	created, _ := protowire.ConsumeVarint(values[3])
	req.Equal(createdAt.UnixNano(), protowire.DecodeZigZag(created))
	ttl, _ := protowire.ConsumeVarint(values[4])
	req.Equal(int64(3*time.Second), int64(ttl))

	inner, _ := protowire.ConsumeBytes(values[6])
	innerFields, innerValues := wireFields(t, inner)
	req.Len(innerFields, 3)
	sender, _ := protowire.ConsumeString(innerValues[1])
	receiver, _ := protowire.ConsumeString(innerValues[2])
	content, _ := protowire.ConsumeString(innerValues[3])
	req.Equal([]string{"alice", "bob", "hi"}, []string{sender, receiver, content})

	decoded, err := DecodeRecord(data)
	req.NoError(err)
	req.Equal(record, decoded)
}

func Test_Record_Without_TTL_Omits_Field_Four(t *testing.T) {
	req := require.New(t)
	data, err := marshalRecord(domain.Record{
		ID:        uuid.New(),
		Payload:   domain.EventPayload{Name: "party", Date: "2024-06-01"},
		CreatedAt: time.Now().UTC(),
	})
	req.NoError(err)

	fields, _ := wireFields(t, data)
	nums := lo.Map(fields, func(f wireField, _ int) protowire.Number { return f.num })
	req.Equal([]protowire.Number{1, 2, 3, 5}, nums)
}
