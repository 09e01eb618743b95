// Package wire implements the binary framing shared by the dayline server,
// the client multiplexer, and the on-disk day logs. All integers are
// big-endian; strings are a uint16 byte length followed by UTF-8 bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Opcodes. One per request type; the byte value is the wire identifier.
const (
	OpLogin            byte = 1
	OpRegister         byte = 2
	OpAddSale          byte = 3
	OpAggregate        byte = 4
	OpFilterEvents     byte = 5
	OpWaitSimultaneous byte = 6
	OpWaitConsecutive  byte = 7
	OpNewDay           byte = 8
	OpLogout           byte = 9
)

// Aggregate kinds carried in the AGGREGATE operand.
const (
	AggQuantity     byte = 1
	AggVolume       byte = 2
	AggAveragePrice byte = 3
	AggMaxPrice     byte = 4
)

// Response status byte.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

// WriteInt32 writes v big-endian.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadInt32 reads a big-endian int32.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteByte writes a single byte.
func WriteByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// ReadByte reads a single byte.
func ReadByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteFloat64 writes the IEEE 754 bits of v big-endian.
func WriteFloat64(w io.Writer, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func ReadFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteBool writes v as one byte (1 or 0).
func WriteBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return WriteByte(w, b)
}

// ReadBool reads one byte and reports whether it is non-zero.
func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadByte(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteString writes a uint16 byte length followed by the UTF-8 bytes of s.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes exceeds wire limit", len(s))
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(len(s)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed string.
func ReadString(r io.Reader) (string, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(buf[:])
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
