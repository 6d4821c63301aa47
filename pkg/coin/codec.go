package coin

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/davecgh/go-xdr/xdr"
)

// Frame layout:
//
//	[4]byte  big-endian length of everything after this field
//	[2]byte  big-endian Kind
//	[]byte   XDR payload
const (
	lenPrefix    = 4
	kindPrefix   = 2
	MaxFrameSize = 1 << 20
)

// Encode serializes msg into one frame.
func Encode(msg Message) ([]byte, error) {
	if msg.Kind() == KindMessageLost {
		return nil, fmt.Errorf("encode: %w: %s is local only", ErrUnknownKind, msg.Kind())
	}
	payload, err := xdr.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	size := kindPrefix + len(payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", msg.Kind(), ErrFrameTooLarge, size)
	}
	buf := make([]byte, lenPrefix+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	binary.BigEndian.PutUint16(buf[lenPrefix:], uint16(msg.Kind()))
	copy(buf[lenPrefix+kindPrefix:], payload)
	return buf, nil
}

// Decode parses the body of a frame (type code + payload, without the
// length prefix).
func Decode(body []byte) (Message, error) {
	if len(body) < kindPrefix {
		return nil, fmt.Errorf("decode: short frame (%d bytes)", len(body))
	}
	msg, err := newMessage(Kind(binary.BigEndian.Uint16(body)))
	if err != nil {
		return nil, err
	}
	if _, err := xdr.Unmarshal(body[kindPrefix:], msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Kind(), err)
	}
	return msg, nil
}

func WriteFrame(w io.Writer, msg Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame. It returns io.EOF only when the
// stream ends cleanly before a new frame.
func ReadFrame(r io.Reader) (Message, error) {
	var prefix [lenPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("read frame: %w (%d bytes)", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return Decode(body)
}
