// File: internal/cluster/frame_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package cluster

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, f *Frame) *Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := NewFrameReader(&buf).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return got
}

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		Type:    FramePublish,
		Filter:  -3,
		IsJSON:  true,
		Channel: []byte("chat.lobby"),
		Msg:     []byte(`{"k":"v"}`),
	}
	got := roundTrip(t, f)
	if got.Type != f.Type || got.Filter != f.Filter || got.IsJSON != f.IsJSON {
		t.Fatalf("header mismatch: %+v", got)
	}
	if string(got.Channel) != "chat.lobby" || string(got.Msg) != `{"k":"v"}` {
		t.Fatalf("body mismatch: %q %q", got.Channel, got.Msg)
	}
}

func TestFrameRoundTripControl(t *testing.T) {
	for _, ft := range []FrameType{FrameSubscribe, FrameUnsubscribe, FramePSubscribe, FramePUnsubscribe, FrameShutdown, FramePing} {
		got := roundTrip(t, &Frame{Type: ft, Channel: []byte("c")})
		if got.Type != ft {
			t.Fatalf("type %d came back as %d", ft, got.Type)
		}
	}
}

func TestOversizedMessageSplitsIntoContinuations(t *testing.T) {
	msg := make([]byte, 3*MaxFramePayload+12345)
	for i := range msg {
		msg[i] = byte(i * 31)
	}
	f := &Frame{Type: FramePublish, Channel: []byte("big"), Msg: msg}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() <= len(msg) {
		t.Fatal("framing overhead missing; message cannot have been split")
	}
	got, err := NewFrameReader(&buf).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(got.Channel) != "big" {
		t.Fatalf("channel = %q", got.Channel)
	}
	if !bytes.Equal(got.Msg, msg) {
		t.Fatalf("reassembled message differs (%d vs %d bytes)", len(got.Msg), len(msg))
	}
}

func TestBackToBackFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, &Frame{Type: FrameSubscribe, Channel: []byte("a")})
	_ = WriteFrame(&buf, &Frame{Type: FramePublish, Channel: []byte("a"), Msg: []byte("first")})
	_ = WriteFrame(&buf, &Frame{Type: FramePublish, Channel: []byte("a"), Msg: []byte("second")})
	fr := NewFrameReader(&buf)
	f1, err := fr.Next()
	if err != nil || f1.Type != FrameSubscribe {
		t.Fatalf("frame 1: %+v %v", f1, err)
	}
	f2, err := fr.Next()
	if err != nil || string(f2.Msg) != "first" {
		t.Fatalf("frame 2: %+v %v", f2, err)
	}
	f3, err := fr.Next()
	if err != nil || string(f3.Msg) != "second" {
		t.Fatalf("frame 3: %+v %v", f3, err)
	}
}

func TestOrphanContinuationRejected(t *testing.T) {
	// WriteFrame never emits a leading continuation, so craft one by hand.
	var raw [4 + frameHeaderLen]byte
	putHeader(raw[:], &Frame{Type: FramePublish}, 0, 1, 1, FlagContinuation)
	var buf bytes.Buffer
	buf.Write(raw[:])
	buf.WriteByte('x')
	if _, err := NewFrameReader(&buf).Next(); err == nil {
		t.Fatal("orphan continuation should fail")
	}
}
