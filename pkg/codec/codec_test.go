package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/board"
)

func TestOpRoundTrip(t *testing.T) {
	op := board.Set(board.Key{Counter: 7, Session: "s1"}, "o1",
		board.Num(board.FieldX, 12.5),
		board.Str(board.FieldColor, "red"),
	)
	raw := EncodeOp(op)
	require.Equal(t, formatOp, raw[0])

	decoded, err := DecodeOp(raw)
	require.NoError(t, err)
	assert.Equal(t, op, decoded)
}

func TestStateRoundTripPreservesDocument(t *testing.T) {
	d := board.NewDocument()
	for _, op := range []board.Op{
		board.Create(board.Key{Counter: 1, Session: "a"}, board.NewObject("o1", board.TypeSticky, 0, 0, 10, 10)),
		board.Create(board.Key{Counter: 2, Session: "a"}, board.NewObject("o2", board.TypeRectangle, 3, 3, 5, 5)),
		board.Move(board.Key{Counter: 3, Session: "b"}, "o1", board.TargetFront),
		board.Delete(board.Key{Counter: 4, Session: "b"}, "o9"),
	} {
		_, err := d.Apply(op)
		require.NoError(t, err)
	}

	s, err := DecodeState(EncodeState(d.State()))
	require.NoError(t, err)
	assert.Equal(t, d.State(), s)
	assert.Equal(t, d.State(), board.FromState(s).State())
}

func TestEmptyStateDecodesToEmptyDocument(t *testing.T) {
	s, err := DecodeState(EncodeState(board.NewDocument().State()))
	require.NoError(t, err)
	assert.Empty(t, s.Objects)
	assert.NotNil(t, s.Objects)
}

func TestDecodeCorruptRecords(t *testing.T) {
	valid := EncodeOp(board.Delete(board.Key{Counter: 1, Session: "a"}, "o1"))
	for name, raw := range map[string][]byte{
		"empty":          nil,
		"wrong format":   append([]byte{formatState}, valid[1:]...),
		"truncated":      valid[:len(valid)-3],
		"garbage":        []byte{formatOp, 0xff, 0xfe},
		"invalid op":     append([]byte{formatOp}, []byte(`{"kind":"delete","id":"","key":{"c":1,"s":"a"}}`)...),
		"unknown format": []byte{0x7f, '{', '}'},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOp(raw)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "operation", de.Kind)
		})
	}

	_, err := DecodeState([]byte{formatState, '['})
	assert.True(t, IsDecodeError(err))
}
