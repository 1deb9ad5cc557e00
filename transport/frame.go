// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/servicebus/lib/codec"
	"github.com/bureau-foundation/servicebus/lib/config"
	"github.com/bureau-foundation/servicebus/ports"
)

// Frame layout, all integers big-endian:
//
//	0   magic        uint32  "SBUS"
//	4   version      uint8
//	5   compression  uint8
//	6   file count   uint8   descriptors sent with the frame's first byte
//	7   reserved     uint8   zero
//	8   body length  uint32  bytes on the wire after the header
//	12  raw length   uint32  body length after decompression
//	16  digest       [8]byte keyed BLAKE3 of bytes 0..15 and the body
const (
	headerSize   = 24
	frameMagic   = 0x53425553
	frameVersion = 1

	// MaxFrameFiles is the most descriptors one frame can carry. The
	// kernel limit on SCM_RIGHTS is 253.
	MaxFrameFiles = 250
)

// frameKey keys the digest. The digest catches desynchronized or
// corrupted streams; it is not authentication.
var frameKey = []byte("servicebus channel frame key v1.")

// ErrCorruptFrame reports a frame that failed validation. The channel
// that read it is closed.
var ErrCorruptFrame = errors.New("transport: corrupt frame")

type frameType uint8

const (
	// frameHello is the first frame on every channel.
	frameHello frameType = iota + 1

	// frameEvent delivers an event to the receiving node.
	frameEvent

	// frameRelay asks the broker to deliver an event to Node.
	frameRelay

	// frameMergePort asks the broker to join Port with the pipe it
	// registered under Token.
	frameMergePort

	// frameNodeLost tells a client that Node is unreachable.
	frameNodeLost

	// frameBroadcast asks the broker to deliver an event to every node.
	frameBroadcast
)

func (t frameType) String() string {
	switch t {
	case frameHello:
		return "hello"
	case frameEvent:
		return "event"
	case frameRelay:
		return "relay"
	case frameMergePort:
		return "merge_port"
	case frameNodeLost:
		return "node_lost"
	case frameBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("frame_type(%d)", uint8(t))
	}
}

// frame is the decoded body of one channel frame.
type frame struct {
	Type frameType `cbor:"type"`

	// Node is the sender for hello, the destination for relay, and the
	// lost node for node_lost.
	Node   ports.NodeName `cbor:"node"`
	Broker bool           `cbor:"broker,omitempty"`

	Event   *ports.Event `cbor:"event,omitempty"`
	Payload []byte       `cbor:"payload,omitempty"`

	Token string         `cbor:"token,omitempty"`
	Port  ports.PortName `cbor:"port"`

	// Files travel as SCM_RIGHTS beside the body.
	Files []*os.File `cbor:"-"`
}

// eventFrame wraps event for sending, moving its message payload and
// descriptors out of the event.
func eventFrame(kind frameType, node ports.NodeName, event *ports.Event) *frame {
	f := &frame{Type: kind, Node: node, Event: event}
	if event.Message != nil {
		f.Payload = event.Message.Payload
		f.Files = event.Message.Files
	}
	return f
}

// takeEvent reattaches the payload and descriptors to the event.
// Ownership of the descriptors moves to the event.
func (f *frame) takeEvent() (*ports.Event, error) {
	if f.Event == nil {
		return nil, fmt.Errorf("%w: %s frame without event", ErrCorruptFrame, f.Type)
	}
	event := f.Event
	if event.Type == ports.EventUser {
		event.Message = &ports.Message{Payload: f.Payload, Files: f.Files}
		f.Files = nil
	} else if len(f.Files) > 0 {
		return nil, fmt.Errorf("%w: %s event carries descriptors", ErrCorruptFrame, event.Type)
	}
	return event, nil
}

func (f *frame) closeFiles() {
	for _, file := range f.Files {
		if file != nil {
			file.Close()
		}
	}
	f.Files = nil
}

// ChannelOptions configures framing on a channel.
type ChannelOptions struct {
	// Compression applies to bodies of at least CompressionThreshold
	// bytes.
	Compression          Compression
	CompressionThreshold int

	// MaxFrameBytes bounds the body both before and after
	// decompression. Zero means 64 MiB.
	MaxFrameBytes int
}

// ChannelOptionsFromConfig converts the channel section of the config.
func ChannelOptionsFromConfig(c config.ChannelConfig) (ChannelOptions, error) {
	compression, err := ParseCompression(c.Compression)
	if err != nil {
		return ChannelOptions{}, err
	}
	return ChannelOptions{
		Compression:          compression,
		CompressionThreshold: c.CompressionThreshold,
		MaxFrameBytes:        c.MaxFrameBytes,
	}, nil
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 20
	}
	return o
}

// frameHeader is the parsed fixed-size prefix of a frame.
type frameHeader struct {
	compression Compression
	numFiles    int
	bodyLen     int
	rawLen      int
	digest      [8]byte
}

func digest(prefix, body []byte) [8]byte {
	hasher, err := blake3.NewKeyed(frameKey)
	if err != nil {
		panic("transport: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(prefix)
	hasher.Write(body)
	var sum [8]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// encodeFrame serializes f into header and body bytes ready to write.
// f.Files are not touched.
func encodeFrame(f *frame, options ChannelOptions) ([]byte, error) {
	if len(f.Files) > MaxFrameFiles {
		return nil, fmt.Errorf("frame carries %d descriptors, limit %d", len(f.Files), MaxFrameFiles)
	}
	raw, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	if len(raw) > options.MaxFrameBytes {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds limit %d", f.Type, len(raw), options.MaxFrameBytes)
	}

	body, compression := raw, CompressionNone
	if options.Compression != CompressionNone && len(raw) >= options.CompressionThreshold {
		compressed, err := compress(options.Compression, raw)
		if err == nil {
			body, compression = compressed, options.Compression
		} else if !errors.Is(err, errIncompressible) {
			return nil, err
		}
	}

	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], frameMagic)
	out[4] = frameVersion
	out[5] = byte(compression)
	out[6] = byte(len(f.Files))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(out[12:16], uint32(len(raw)))
	copy(out[headerSize:], body)
	sum := digest(out[:16], body)
	copy(out[16:24], sum[:])
	return out, nil
}

// parseHeader validates the fixed header.
func parseHeader(header []byte, options ChannelOptions) (frameHeader, error) {
	if binary.BigEndian.Uint32(header[0:4]) != frameMagic {
		return frameHeader{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptFrame, header[0:4])
	}
	if header[4] != frameVersion {
		return frameHeader{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptFrame, header[4])
	}
	if header[7] != 0 {
		return frameHeader{}, fmt.Errorf("%w: reserved byte set", ErrCorruptFrame)
	}
	h := frameHeader{
		compression: Compression(header[5]),
		numFiles:    int(header[6]),
		bodyLen:     int(binary.BigEndian.Uint32(header[8:12])),
		rawLen:      int(binary.BigEndian.Uint32(header[12:16])),
	}
	copy(h.digest[:], header[16:24])
	switch {
	case h.compression > CompressionZstd:
		return frameHeader{}, fmt.Errorf("%w: unknown compression %d", ErrCorruptFrame, h.compression)
	case h.numFiles > MaxFrameFiles:
		return frameHeader{}, fmt.Errorf("%w: %d descriptors", ErrCorruptFrame, h.numFiles)
	case h.bodyLen > options.MaxFrameBytes || h.rawLen > options.MaxFrameBytes:
		return frameHeader{}, fmt.Errorf("%w: body of %d (%d raw) bytes exceeds limit %d", ErrCorruptFrame, h.bodyLen, h.rawLen, options.MaxFrameBytes)
	case h.compression == CompressionNone && h.bodyLen != h.rawLen:
		return frameHeader{}, fmt.Errorf("%w: uncompressed body length mismatch", ErrCorruptFrame)
	}
	return h, nil
}

// decodeBody checks the digest, decompresses, and decodes the body.
func decodeBody(header []byte, h frameHeader, body []byte) (*frame, error) {
	if sum := digest(header[:16], body); !bytes.Equal(sum[:], h.digest[:]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptFrame)
	}
	raw, err := decompress(h.compression, body, h.rawLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	var f frame
	if err := codec.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", ErrCorruptFrame, err)
	}
	return &f, nil
}
