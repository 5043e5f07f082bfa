package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/BK1603/nix/common"
	"github.com/stretchr/testify/require"
)

func TestIntegerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []uint64{0, 1, 255, 1 << 32, 1<<64 - 1} {
		buf.Reset()
		require.NoError(t, WriteUint64(&buf, v))
		require.Equal(t, 8, buf.Len())
		got, err := ReadUint64(&buf)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "abc", "exactly8", "longer than eight bytes"} {
		var buf bytes.Buffer
		require.NoError(t, WriteString(&buf, s))
		// Frames are the length word plus the payload padded to 8 bytes.
		expected := 8 + len(s) + (8-len(s)%8)%8
		require.Equal(t, expected, buf.Len())
		got, err := ReadString(&buf)
		require.NoError(t, err)
		require.Equal(t, s, got)
		require.Zero(t, buf.Len())
	}
}

func TestStringPaddingIsZero(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "abc"))
	b := buf.Bytes()
	require.Equal(t, 16, len(b))
	for _, pad := range b[11:] {
		require.Zero(t, pad)
	}
}

func TestPaddingTolerance(t *testing.T) {
	// The daemon may pad with anything; only the length matters.
	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 3))
	buf.WriteString("abc")
	buf.Write([]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb})
	require.NoError(t, WriteUint64(&buf, 42))

	s, err := ReadString(&buf)
	require.NoError(t, err)
	require.Equal(t, "abc", s)
	v, err := ReadUint64(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestReadUint32Overflow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 1<<40))
	_, err := ReadUint32(&buf)
	require.True(t, common.IsStoreErrorWithCode(err, common.ProtocolError))
}

func TestReadCountImplausible(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 1<<40))
	_, err := ReadCount(&buf)
	require.True(t, common.IsStoreErrorWithCode(err, common.ProtocolError))
}

func TestShortReadIsProtocolError(t *testing.T) {
	_, err := ReadUint64(bytes.NewReader([]byte{1, 2, 3}))
	require.True(t, common.IsStoreErrorWithCode(err, common.ProtocolError))

	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 100))
	buf.WriteString("too short")
	_, err = ReadString(&buf)
	require.True(t, common.IsStoreErrorWithCode(err, common.ProtocolError))
}

func TestBoolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBool(&buf, true))
	require.NoError(t, WriteBool(&buf, false))
	v, err := ReadBool(&buf)
	require.NoError(t, err)
	require.True(t, v)
	v, err = ReadBool(&buf)
	require.NoError(t, err)
	require.False(t, v)

	// Any nonzero word reads as true.
	require.NoError(t, WriteUint64(&buf, 7))
	v, err = ReadBool(&buf)
	require.NoError(t, err)
	require.True(t, v)
}

func TestStringsRoundTrip(t *testing.T) {
	for _, ss := range [][]string{{}, {"one"}, {"a", "bb", "ccc"}} {
		var buf bytes.Buffer
		require.NoError(t, WriteStrings(&buf, ss))
		got, err := ReadStrings(&buf)
		require.NoError(t, err)
		require.Equal(t, len(ss), len(got))
		for i := range ss {
			require.Equal(t, ss[i], got[i])
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	payload := []byte{0, 1, 2, 0xff, 0x80}
	var buf bytes.Buffer
	require.NoError(t, WriteBytes(&buf, payload))
	got, err := ReadBytes(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestIntegerIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 0x0102030405060708))
	require.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(buf.Bytes()))
	require.Equal(t, byte(0x08), buf.Bytes()[0])
}
