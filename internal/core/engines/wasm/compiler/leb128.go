package compiler

import (
	"errors"
	"fmt"
)

var (
	errUnexpectedEOF = errors.New("unexpected end of input")
	errOverflow      = errors.New("leb128 value overflows")
)

// reader 字节码顺序读取器
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) eof() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peekByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errUnexpectedEOF
	}
	return r.buf[r.pos], nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, errUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) skip(n int) error {
	_, err := r.readBytes(n)
	return err
}

// readVarUint 读取最多 bits 位的无符号LEB128
func (r *reader) readVarUint(bits uint) (uint64, error) {
	var result uint64
	var shift uint
	maxBytes := (bits + 6) / 7
	for i := uint(0); i < maxBytes; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if i == maxBytes-1 && bits < 64 && b>>(bits-shift) != 0 {
				return 0, errOverflow
			}
			return result, nil
		}
		shift += 7
	}
	return 0, errOverflow
}

// readVarInt 读取最多 bits 位的有符号LEB128
func (r *reader) readVarInt(bits uint) (int64, error) {
	var result int64
	var shift uint
	maxBytes := (bits + 6) / 7
	for i := uint(0); i < maxBytes; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
	return 0, errOverflow
}

func (r *reader) readU32() (uint32, error) {
	v, err := r.readVarUint(32)
	return uint32(v), err
}

// readName 读取长度前缀的UTF-8名称
func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", fmt.Errorf("name of length %d: %w", n, err)
	}
	return string(b), nil
}

// appendUleb128 追加无符号LEB128编码
func appendUleb128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		return append(dst, b)
	}
}

// appendSleb128 追加有符号LEB128编码
func appendSleb128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
