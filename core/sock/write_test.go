// File: core/sock/write_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Real-socket write paths: kernel-buffer back pressure and file packets.

package sock

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func drainFD(t *testing.T, fd int, into *[]byte) {
	t.Helper()
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			*into = append(*into, buf[:n]...)
			continue
		}
		if err == unix.EAGAIN || n == 0 {
			return
		}
		if err != nil {
			return
		}
	}
}

func TestFlushOverRealSocket(t *testing.T) {
	tb, _ := newTestTable()
	a, b := socketPair(t)
	defer unix.Close(b)
	u, err := tb.Open(a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := tb.Write(u, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got []byte
	for i := 0; i < 1000 && len(got) < len(payload); i++ {
		if _, err := tb.Flush(u); err != nil && err != api.ErrWouldBlock {
			t.Fatalf("Flush: %v", err)
		}
		drainFD(t, b, &got)
	}
	if len(got) != len(payload) {
		t.Fatalf("peer received %d bytes, want %d", len(got), len(payload))
	}
	if left, err := tb.Flush(u); err != nil || left != 0 {
		t.Fatalf("final Flush: left=%d err=%v", left, err)
	}
	if n := tb.Pending(u); n != 0 {
		t.Fatalf("Pending = %d after drained flush", n)
	}
	_ = tb.ForceClose(u)
}

func TestSendFilePacket(t *testing.T) {
	tb, _ := newTestTable()
	a, b := socketPair(t)
	defer unix.Close(b)
	u, err := tb.Open(a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, err := os.CreateTemp(t.TempDir(), "payload")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	content := make([]byte, 256*1024)
	for i := range content {
		content[i] = byte(i * 7)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("temp write: %v", err)
	}
	srcFD, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	f.Close()
	if err := tb.SendFile(u, srcFD, 0, int64(len(content))); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	var got []byte
	for i := 0; i < 1000 && len(got) < len(content); i++ {
		if _, err := tb.Flush(u); err != nil && err != api.ErrWouldBlock {
			t.Fatalf("Flush: %v", err)
		}
		drainFD(t, b, &got)
	}
	if len(got) != len(content) {
		t.Fatalf("peer received %d bytes, want %d", len(got), len(content))
	}
	for i := range got {
		if got[i] != content[i] {
			t.Fatalf("byte %d differs: %d != %d", i, got[i], content[i])
		}
	}
	_ = tb.ForceClose(u)
	// The source descriptor was owned by the packet and is closed by now.
	if err := unix.Close(srcFD); err == nil {
		t.Fatal("source fd should already be closed by the packet")
	}
}

func TestFilePacketThroughCustomHook(t *testing.T) {
	tb, _ := newTestTable()
	u, h := openFake(t, tb, 31)
	f, err := os.CreateTemp(t.TempDir(), "hooked")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	content := []byte("streamed through a custom transport hook")
	if _, err := f.Write(content); err != nil {
		t.Fatalf("temp write: %v", err)
	}
	srcFD, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	f.Close()
	if err := tb.SendFile(u, srcFD, 0, int64(len(content))); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if left, err := tb.Flush(u); err != nil || left != 0 {
		t.Fatalf("Flush: left=%d err=%v", left, err)
	}
	if string(h.wrote) != string(content) {
		t.Fatalf("hook saw %q, want %q", h.wrote, content)
	}
}
