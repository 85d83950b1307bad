// Package wire implements the binary framing between the streaming server
// and the client: video frames downstream and tracking, view configuration
// and latency reports upstream.
//
// Counts, lengths and indices are QUIC variable-length integers and must not
// exceed quicvarint.Max. Fixed-width integers and IEEE-754 float32 values are
// big-endian.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/xrstream/internal/media"
)

// Upstream message type IDs.
const (
	MsgViewConfig    uint64 = 0x01
	MsgTracking      uint64 = 0x02
	MsgLatencyReport uint64 = 0x03
)

// MaxMessageSize bounds any single length-prefixed payload.
const MaxMessageSize = 8 << 20

// byteReader adapts r for varint reads, keeping r usable for the payload.
func byteReader(r io.Reader) (io.Reader, io.ByteReader) {
	if br, ok := r.(io.ByteReader); ok {
		return r, br
	}
	b := bufio.NewReader(r)
	return b, b
}

// ReadVideoFrame reads one video frame:
// [tracking_frame_index (varint)] [codec (byte)] [length (varint)] [payload].
// Pass a reader implementing io.ByteReader when reading more than one frame,
// otherwise buffered bytes are lost between calls.
func ReadVideoFrame(r io.Reader) (media.Packet, error) {
	r, br := byteReader(r)
	var pkt media.Packet

	index, err := quicvarint.Read(br)
	if err != nil {
		return pkt, fmt.Errorf("read frame index: %w", err)
	}
	codec, err := br.ReadByte()
	if err != nil {
		return pkt, &ParseError{Field: "codec", Err: noEOF(err)}
	}
	if media.Codec(codec) > media.CodecHEVC {
		return pkt, &ParseError{Field: "codec", Err: fmt.Errorf("%w: %d", ErrUnknownCodec, codec)}
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return pkt, &ParseError{Field: "length", Err: noEOF(err)}
	}
	if length > MaxMessageSize {
		return pkt, &ParseError{Field: "length", Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, length)}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return pkt, &ParseError{Field: "payload", Err: noEOF(err)}
	}

	pkt.TrackingFrameIndex = index
	pkt.Codec = media.Codec(codec)
	pkt.Data = data
	return pkt, nil
}

// AppendVideoFrame appends the framed packet to buf.
func AppendVideoFrame(buf []byte, pkt media.Packet) []byte {
	buf = quicvarint.Append(buf, pkt.TrackingFrameIndex)
	buf = append(buf, byte(pkt.Codec))
	return appendVarIntBytes(buf, pkt.Data)
}

// ReadMsg reads one upstream message.
// Wire format: [message_type (varint)] [message_length (varint)] [payload].
func ReadMsg(r io.Reader) (uint64, []byte, error) {
	r, br := byteReader(r)
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", noEOF(err))
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message type %#x: %w: %d bytes", msgType, ErrTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", noEOF(err))
	}
	return msgType, payload, nil
}

// WriteMsg writes an upstream message as a single Write call so concurrent
// writers on a stream never interleave.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	_, err := w.Write(AppendMsg(nil, msgType, payload))
	return err
}

// AppendMsg appends a framed upstream message to buf.
func AppendMsg(buf []byte, msgType uint64, payload []byte) []byte {
	buf = quicvarint.Append(buf, msgType)
	return appendVarIntBytes(buf, payload)
}

// ParseMsg parses a complete framed message, such as a QUIC datagram.
func ParseMsg(data []byte) (uint64, []byte, error) {
	r := newBufReader(data)
	msgType, err := r.readVarint()
	if err != nil {
		return 0, nil, &ParseError{Field: "message_type", Err: err}
	}
	payload, err := r.readVarIntBytes()
	if err != nil {
		return 0, nil, &ParseError{Field: "message_payload", Err: err}
	}
	if r.remaining() != 0 {
		return 0, nil, ErrTrailingData
	}
	return msgType, payload, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendFloat(buf []byte, v float32) []byte {
	return binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
}

// bufReader wraps a byte slice for sequential field reads.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) remaining() int { return len(b.data) - b.pos }

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readUint64() (uint64, error) {
	if b.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

func (b *bufReader) readFloat() (float32, error) {
	if b.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(b.data[b.pos:]))
	b.pos += 4
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(b.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
