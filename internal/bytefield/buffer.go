package bytefield

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a read or seek goes past the end of the buffer
var ErrOutOfRange = errors.New("bytefield: out of range")

// Buffer is a growable byte buffer with a read/write position.
// All multi-byte integers are big-endian unless the method name says otherwise.
type Buffer struct {
	data     []byte
	position int
}

// NewBuffer wraps data for reading. Writes append after the current position.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the whole underlying buffer
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the total number of bytes held
func (b *Buffer) Len() int {
	return len(b.data)
}

// Position returns the current read/write offset
func (b *Buffer) Position() int {
	return b.position
}

// SetPosition moves the read/write offset
func (b *Buffer) SetPosition(position int) error {
	if position < 0 || position > len(b.data) {
		return fmt.Errorf("%w: position %d of %d", ErrOutOfRange, position, len(b.data))
	}
	b.position = position
	return nil
}

// Available returns the number of bytes left to read
func (b *Buffer) Available() int {
	return len(b.data) - b.position
}

func (b *Buffer) next(n int) ([]byte, error) {
	if n < 0 || b.Available() < n {
		return nil, fmt.Errorf("%w: need %d bytes at %d, have %d", ErrOutOfRange, n, b.position, b.Available())
	}
	out := b.data[b.position : b.position+n]
	b.position += n
	return out, nil
}

// ReadUint8 reads one byte
func (b *Buffer) ReadUint8() (uint8, error) {
	bs, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// ReadUint16 reads a big-endian 16-bit integer
func (b *Buffer) ReadUint16() (uint16, error) {
	bs, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(bs), nil
}

// ReadUint24 reads a big-endian 24-bit integer
func (b *Buffer) ReadUint24() (uint32, error) {
	bs, err := b.next(3)
	if err != nil {
		return 0, err
	}
	return uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]), nil
}

// ReadUint32 reads a big-endian 32-bit integer
func (b *Buffer) ReadUint32() (uint32, error) {
	bs, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(bs), nil
}

// ReadUint32LE reads a little-endian 32-bit integer (RTMP message stream IDs)
func (b *Buffer) ReadUint32LE() (uint32, error) {
	bs, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(bs), nil
}

// ReadBytes reads exactly n bytes. The returned slice is a copy.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	bs, err := b.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, bs)
	return out, nil
}

// Skip advances the position by n bytes
func (b *Buffer) Skip(n int) error {
	_, err := b.next(n)
	return err
}

func (b *Buffer) write(bs []byte) *Buffer {
	end := b.position + len(bs)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.position:], bs)
	b.position = end
	return b
}

// WriteUint8 writes one byte
func (b *Buffer) WriteUint8(v uint8) *Buffer {
	return b.write([]byte{v})
}

// WriteUint16 writes a big-endian 16-bit integer
func (b *Buffer) WriteUint16(v uint16) *Buffer {
	return b.write([]byte{byte(v >> 8), byte(v)})
}

// WriteUint24 writes the low 24 bits of v big-endian
func (b *Buffer) WriteUint24(v uint32) *Buffer {
	return b.write([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
}

// WriteUint32 writes a big-endian 32-bit integer
func (b *Buffer) WriteUint32(v uint32) *Buffer {
	var bs [4]byte
	binary.BigEndian.PutUint32(bs[:], v)
	return b.write(bs[:])
}

// WriteUint32LE writes a little-endian 32-bit integer
func (b *Buffer) WriteUint32LE(v uint32) *Buffer {
	var bs [4]byte
	binary.LittleEndian.PutUint32(bs[:], v)
	return b.write(bs[:])
}

// WriteBytes writes raw bytes
func (b *Buffer) WriteBytes(bs []byte) *Buffer {
	return b.write(bs)
}
