package blockstm

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrNotNumeric = errors.New("value is not numeric")

// ValueCodec maps values to and from the numeric domain deltas work in.
type ValueCodec[V any] interface {
	ToUint64(V) (uint64, error)
	FromUint64(uint64) V
	Equal(a, b V) bool
}

// BytesCodec encodes numbers as 8 bytes big endian.
type BytesCodec struct{}

var _ ValueCodec[[]byte] = BytesCodec{}

func (BytesCodec) ToUint64(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, errors.Wrapf(ErrNotNumeric, "%d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (BytesCodec) FromUint64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func (BytesCodec) Equal(a, b []byte) bool { return bytes.Equal(a, b) }

type Uint64Codec struct{}

var _ ValueCodec[uint64] = Uint64Codec{}

func (Uint64Codec) ToUint64(v uint64) (uint64, error) { return v, nil }
func (Uint64Codec) FromUint64(n uint64) uint64       { return n }
func (Uint64Codec) Equal(a, b uint64) bool           { return a == b }
