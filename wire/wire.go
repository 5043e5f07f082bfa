// Package wire implements the primitive framing of the daemon protocol:
// 64-bit little-endian integers, 8-byte aligned strings and byte blobs, and
// count-prefixed sequences.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/BK1603/nix/common"
)

const align = 8

// maxFrameLen bounds string and sequence frames so a corrupt length field
// cannot make us allocate the moon.
const maxFrameLen = 1 << 30

var zeroPad [align]byte

// readErr classifies a transport read failure. Running out of bytes mid
// frame violates the protocol; anything else is the transport's fault.
func readErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return common.NewStoreError(common.ProtocolError, "unexpected end of stream")
	}
	return common.NewStoreErrorf(common.TransportError, "read from daemon failed: %v", err)
}

func writeErr(err error) error {
	return common.NewStoreErrorf(common.TransportError, "write to daemon failed: %v", err)
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, readErr(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := w.Write(buf[:]); err != nil {
		return writeErr(err)
	}
	return nil
}

// ReadUint32 reads a wire integer and narrows it, failing if the value does
// not fit.
func ReadUint32(r io.Reader) (uint32, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, common.NewStoreErrorf(common.ProtocolError, "integer %d overflows 32 bits", v)
	}
	return uint32(v), nil
}

// ReadCount reads a sequence or frame length.
func ReadCount(r io.Reader) (int, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if v > maxFrameLen {
		return 0, common.NewStoreErrorf(common.ProtocolError, "implausible length %d in frame", v)
	}
	return int(v), nil
}

func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func WriteBool(w io.Writer, v bool) error {
	var u uint64
	if v {
		u = 1
	}
	return WriteUint64(w, u)
}

func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return writeErr(err)
	}
	return writePadding(w, len(s))
}

func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return writeErr(err)
	}
	return writePadding(w, len(b))
}

func writePadding(w io.Writer, n int) error {
	if pad := padLen(n); pad > 0 {
		if _, err := w.Write(zeroPad[:pad]); err != nil {
			return writeErr(err)
		}
	}
	return nil
}

func padLen(n int) int {
	return (align - n%align) % align
}

func ReadString(r io.Reader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadCount(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, readErr(err)
	}
	// The daemon pads to 8 bytes. We make no assumption about the padding
	// bytes themselves.
	if pad := padLen(n); pad > 0 {
		var scratch [align]byte
		if _, err := io.ReadFull(r, scratch[:pad]); err != nil {
			return nil, readErr(err)
		}
	}
	return buf, nil
}

func WriteStrings(w io.Writer, ss []string) error {
	if err := WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadCount(r)
	if err != nil {
		return nil, err
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}
