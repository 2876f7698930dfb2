// File: internal/cluster/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire format. Every frame is little-endian:
//
//	u32 payload_len   bytes following this field
//	u16 type          frame type
//	u16 flags         continuation / root-only bits
//	u16 channel_len
//	u32 msg_len       total message length (first frame of a series)
//	i32 filter
//	u8  is_json
//	u8  pad
//	channel bytes, msg bytes
//
// A message larger than the frame cap is split: the first frame announces
// the total msg_len and carries the first chunk; continuation frames set
// FlagContinuation, omit the channel and carry chunk-sized msg_len values.
// Pipes are FIFO, so the receiver reassembles by accumulation.

package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/momentics/hioload-reactor/api"
)

// FrameType discriminates cluster frames.
type FrameType uint16

const (
	FramePublish FrameType = iota + 1
	FrameSubscribe
	FrameUnsubscribe
	FramePSubscribe
	FramePUnsubscribe
	FrameShutdown
	FramePing
)

// Frame flags.
const (
	// FlagContinuation marks a chunk continuing the previous frame.
	FlagContinuation uint16 = 1 << 0
	// FlagRootOnly confines a publication to the root process.
	FlagRootOnly uint16 = 1 << 1
)

const (
	frameHeaderLen = 16
	// MaxFramePayload caps one frame's payload (header remainder, channel
	// and message chunk).
	MaxFramePayload = 1 << 20
)

// Frame is one logical cluster message (after reassembly).
type Frame struct {
	Type    FrameType
	Flags   uint16
	Filter  int32
	IsJSON  bool
	Channel []byte
	Msg     []byte
}

// maxChunk returns the message capacity of one frame carrying a channel of
// the given length.
func maxChunk(channelLen int) int {
	return MaxFramePayload - frameHeaderLen - channelLen
}

func putHeader(buf []byte, f *Frame, channelLen, chunkLen, msgLen int, flags uint16) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(frameHeaderLen+channelLen+chunkLen))
	binary.LittleEndian.PutUint16(buf[4:], uint16(f.Type))
	binary.LittleEndian.PutUint16(buf[6:], flags)
	binary.LittleEndian.PutUint16(buf[8:], uint16(channelLen))
	binary.LittleEndian.PutUint32(buf[10:], uint32(msgLen))
	binary.LittleEndian.PutUint32(buf[14:], uint32(f.Filter))
	if f.IsJSON {
		buf[18] = 1
	} else {
		buf[18] = 0
	}
	buf[19] = 0
}

// WriteFrame serializes f onto w, splitting oversized messages into
// continuation frames.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Channel) > 0xffff || len(f.Channel) >= maxChunk(0) {
		return fmt.Errorf("%w: channel name too long", api.ErrClusterIPC)
	}
	first := f.Msg
	cap0 := maxChunk(len(f.Channel))
	if len(first) > cap0 {
		first = first[:cap0]
	}
	var hdr [4 + frameHeaderLen]byte
	putHeader(hdr[:], f, len(f.Channel), len(first), len(f.Msg), f.Flags&^FlagContinuation)
	if err := writeAll(w, hdr[:], f.Channel, first); err != nil {
		return err
	}
	rest := f.Msg[len(first):]
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxChunk(0) {
			chunk = chunk[:maxChunk(0)]
		}
		putHeader(hdr[:], f, 0, len(chunk), len(chunk), f.Flags|FlagContinuation)
		if err := writeAll(w, hdr[:], nil, chunk); err != nil {
			return err
		}
		rest = rest[len(chunk):]
	}
	return nil
}

func writeAll(w io.Writer, hdr, channel, chunk []byte) error {
	for _, part := range [][]byte{hdr, channel, chunk} {
		if len(part) == 0 {
			continue
		}
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("%w: %v", api.ErrClusterIPC, err)
		}
	}
	return nil
}

// FrameReader decodes logical frames from one pipe, reassembling
// continuation chunks.
type FrameReader struct {
	r       *bufio.Reader
	partial *Frame
	want    int
}

// NewFrameReader wraps the pipe's read side.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks for the next complete logical frame.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
			return nil, err
		}
		payloadLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
		if payloadLen < frameHeaderLen || payloadLen > MaxFramePayload {
			return nil, fmt.Errorf("%w: bad payload length %d", api.ErrClusterIPC, payloadLen)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		ftype := FrameType(binary.LittleEndian.Uint16(payload[0:]))
		flags := binary.LittleEndian.Uint16(payload[2:])
		channelLen := int(binary.LittleEndian.Uint16(payload[4:]))
		msgLen := int(binary.LittleEndian.Uint32(payload[6:]))
		filter := int32(binary.LittleEndian.Uint32(payload[10:]))
		isJSON := payload[14] != 0
		body := payload[frameHeaderLen:]
		if channelLen > len(body) {
			return nil, fmt.Errorf("%w: channel overruns frame", api.ErrClusterIPC)
		}
		channel := body[:channelLen]
		chunk := body[channelLen:]

		if flags&FlagContinuation != 0 {
			if fr.partial == nil {
				return nil, fmt.Errorf("%w: orphan continuation frame", api.ErrClusterIPC)
			}
			fr.partial.Msg = append(fr.partial.Msg, chunk...)
			if len(fr.partial.Msg) < fr.want {
				continue
			}
			f := fr.partial
			fr.partial = nil
			return f, nil
		}

		f := &Frame{
			Type:    ftype,
			Flags:   flags,
			Filter:  filter,
			IsJSON:  isJSON,
			Channel: append([]byte(nil), channel...),
		}
		if msgLen <= len(chunk) {
			f.Msg = append([]byte(nil), chunk[:msgLen]...)
			return f, nil
		}
		f.Msg = make([]byte, 0, msgLen)
		f.Msg = append(f.Msg, chunk...)
		fr.partial = f
		fr.want = msgLen
	}
}
