package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// ErrMalformedFrame wraps a payload that failed to parse as a
// BitswapMessage. io.ReadFull has already consumed exactly the frame's
// declared length by the time this can occur, so the stream remains
// byte-aligned and recoverable: callers should log and keep reading.
var ErrMalformedFrame = errors.New("bitswap message: malformed frame")

// ErrFrameLength wraps a failure in the length-prefix layer itself (the
// uvarint read, an oversized declared length, or a short read filling the
// declared length). Any of these desyncs the frame boundary, so the
// stream is no longer recoverable and must be torn down.
var ErrFrameLength = errors.New("bitswap message: frame length error")

// maxMessageSize bounds a single frame to guard against a peer claiming an
// absurd length prefix and forcing an unbounded allocation.
const maxMessageSize = 4 << 20

// EncodeFrame serializes msg as uvarint(len) || protobuf(BitswapMessage),
// the wire framing used by /ipfs/bitswap/1.2.0.
func EncodeFrame(msg *Message) ([]byte, error) {
	payload, err := msg.marshal()
	if err != nil {
		return nil, fmt.Errorf("bitswap message: encode: %w", err)
	}
	prefix := varint.ToUvarint(uint64(len(payload)))
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	out = append(out, payload...)
	return out, nil
}

// WriteFrame writes a length-prefixed message frame to w.
func WriteFrame(w io.Writer, msg *Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed message frame from r.
func ReadFrame(r *bufio.Reader) (*Message, error) {
	length, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length prefix: %v", ErrFrameLength, err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds maximum", ErrFrameLength, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrFrameLength, err)
	}
	msg, err := decodePayload(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

// decodePayload parses a raw protobuf payload (without the length prefix)
// into a high-level Message.
func decodePayload(data []byte) (*Message, error) {
	pb, err := unmarshalMessage(data)
	if err != nil {
		return nil, err
	}
	return fromPB(pb), nil
}
