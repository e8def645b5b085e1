package fifo

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/ardnew/softpipe/pkg"
)

// Frame layout: [1 byte: type][2 bytes: little-endian length][payload].
const (
	msgData    = 0x02 // DATA frame
	headerSize = 3

	// MaxFramePayload is the largest payload one frame can carry.
	MaxFramePayload = 0xFFFF
)

// ReadFrame reads one DATA frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != msgData {
		return nil, fmt.Errorf("frame type 0x%02x: %w", hdr[0], pkg.ErrProtocol)
	}

	n := int(binary.LittleEndian.Uint16(hdr[1:]))
	payload := dirtmake.Bytes(n, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("frame payload: %w", err)
	}
	return payload, nil
}

// AppendFrame appends a DATA frame carrying payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return dst, fmt.Errorf("frame payload %d bytes: %w", len(payload), pkg.ErrInvalidArgument)
	}
	dst = append(dst, msgData, 0, 0)
	binary.LittleEndian.PutUint16(dst[len(dst)-2:], uint16(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes payload to w as a single DATA frame in one Write call,
// so frames up to PIPE_BUF bytes are never interleaved on a FIFO.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
