// File: internal/cluster/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipe endpoints. WorkerLink is the worker-process side and doubles as the
// registry's Transport; Root is the hub that mirrors worker subscriptions
// and fans publications out. All root-side frame writes funnel through a
// single-threaded pool, which keeps every pipe FIFO with respect to the
// fan-out order.

package cluster

import (
	"log"
	"os"
	"sync"

	"github.com/wuyongjia/threadpool"

	"github.com/momentics/hioload-reactor/pubsub"
)

// WorkerLink is the worker end of the root pipe.
type WorkerLink struct {
	file *os.File
	wmu  sync.Mutex
	reg  *pubsub.Registry

	onShutdown   func()
	onParentGone func()
}

// NewWorkerLink wraps the inherited pipe descriptor.
func NewWorkerLink(f *os.File, reg *pubsub.Registry) *WorkerLink {
	return &WorkerLink{file: f, reg: reg}
}

// SetHandlers installs the shutdown-frame and parent-loss callbacks.
// Must be called before Run.
func (w *WorkerLink) SetHandlers(onShutdown, onParentGone func()) {
	w.onShutdown = onShutdown
	w.onParentGone = onParentGone
}

// Run reads frames until the pipe dies. It blocks; callers run it on its
// own goroutine. Pipe loss means the root process is gone.
func (w *WorkerLink) Run() {
	fr := NewFrameReader(w.file)
	for {
		f, err := fr.Next()
		if err != nil {
			if w.onParentGone != nil {
				w.onParentGone()
			}
			return
		}
		switch f.Type {
		case FramePublish:
			w.reg.DeliverLocal(f.Filter, f.Channel, f.Msg, f.IsJSON)
		case FrameShutdown:
			if w.onShutdown != nil {
				w.onShutdown()
			}
		case FramePing:
			// Keepalive; nothing to do.
		}
	}
}

func (w *WorkerLink) send(f *Frame) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return WriteFrame(w.file, f)
}

// PublishRemote implements pubsub.Transport: the publication travels to
// the root, which delivers it there and forwards to sibling workers.
func (w *WorkerLink) PublishRemote(filter int32, channel, msg []byte, isJSON bool, rootOnly bool) error {
	var flags uint16
	if rootOnly {
		flags = FlagRootOnly
	}
	return w.send(&Frame{Type: FramePublish, Flags: flags, Filter: filter, IsJSON: isJSON, Channel: channel, Msg: msg})
}

// Subscribe mirrors a new channel to the root.
func (w *WorkerLink) Subscribe(channel []byte, pattern bool) error {
	t := FrameSubscribe
	if pattern {
		t = FramePSubscribe
	}
	return w.send(&Frame{Type: t, Channel: channel})
}

// Unsubscribe retracts a channel from the root mirror.
func (w *WorkerLink) Unsubscribe(channel []byte, pattern bool) error {
	t := FrameUnsubscribe
	if pattern {
		t = FramePUnsubscribe
	}
	return w.send(&Frame{Type: t, Channel: channel})
}

// Ping sends a keepalive frame.
func (w *WorkerLink) Ping() error {
	return w.send(&Frame{Type: FramePing})
}

// AnnounceChannels replays every active local channel to the root. Used
// after the link (re)connects.
func (w *WorkerLink) AnnounceChannels() {
	w.reg.EachChannel(func(name []byte, pattern bool) {
		_ = w.Subscribe(name, pattern)
	})
}

// Close releases the pipe.
func (w *WorkerLink) Close() { _ = w.file.Close() }

// rootWorker is the root-side record of one worker pipe.
type rootWorker struct {
	id   int
	file *os.File
	wmu  sync.Mutex
}

type fanJob struct {
	w *rootWorker
	f *Frame
}

// Root is the fan-out hub living in the root process.
type Root struct {
	mu       sync.Mutex
	reg      *pubsub.Registry
	workers  map[int]*rootWorker
	exact    map[string]map[int]int
	patterns map[string]map[int]int
	closed   bool

	fan          *threadpool.Pool
	onWorkerExit func(id int)
}

// NewRoot creates the hub. queueLen bounds the pending fan-out jobs.
func NewRoot(reg *pubsub.Registry, queueLen int) *Root {
	if queueLen < 64 {
		queueLen = 64
	}
	r := &Root{
		reg:      reg,
		workers:  make(map[int]*rootWorker),
		exact:    make(map[string]map[int]int),
		patterns: make(map[string]map[int]int),
	}
	// One pool worker: frame writes stay serialized, so each pipe sees
	// the fan-out in a single global order.
	r.fan = threadpool.NewWithFunc(1, queueLen, r.fanOut)
	return r
}

// SetWorkerExit installs the unexpected-exit callback (respawn driver).
func (r *Root) SetWorkerExit(fn func(id int)) { r.onWorkerExit = fn }

func (r *Root) fanOut(payload interface{}) {
	job, ok := payload.(*fanJob)
	if !ok {
		return
	}
	job.w.wmu.Lock()
	err := WriteFrame(job.w.file, job.f)
	job.w.wmu.Unlock()
	if err != nil {
		log.Printf("cluster: worker %d write: %v", job.w.id, err)
	}
}

// AddWorker registers a worker pipe and starts its read loop.
func (r *Root) AddWorker(id int, f *os.File) {
	w := &rootWorker{id: id, file: f}
	r.mu.Lock()
	r.workers[id] = w
	r.mu.Unlock()
	go r.readLoop(w)
}

func (r *Root) readLoop(w *rootWorker) {
	fr := NewFrameReader(w.file)
	for {
		f, err := fr.Next()
		if err != nil {
			break
		}
		switch f.Type {
		case FrameSubscribe:
			r.mirrorAdd(r.exact, string(f.Channel), w.id)
		case FramePSubscribe:
			r.mirrorAdd(r.patterns, string(f.Channel), w.id)
		case FrameUnsubscribe:
			r.mirrorDel(r.exact, string(f.Channel), w.id)
		case FramePUnsubscribe:
			r.mirrorDel(r.patterns, string(f.Channel), w.id)
		case FramePublish:
			r.reg.DeliverLocal(f.Filter, f.Channel, f.Msg, f.IsJSON)
			if f.Flags&FlagRootOnly == 0 {
				r.forward(f, w.id)
			}
		case FramePing:
			// Keepalive; nothing to do.
		}
	}
	r.dropWorker(w.id)
}

func (r *Root) mirrorAdd(space map[string]map[int]int, name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := space[name]
	if m == nil {
		m = make(map[int]int)
		space[name] = m
	}
	m[id]++
}

func (r *Root) mirrorDel(space map[string]map[int]int, name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := space[name]
	if m == nil {
		return
	}
	if m[id]--; m[id] <= 0 {
		delete(m, id)
	}
	if len(m) == 0 {
		delete(space, name)
	}
}

// forward queues the publication for every worker (other than exclude)
// whose mirror can match it. Filtered messages have no mirror and go to
// every other worker.
func (r *Root) forward(f *Frame, exclude int) {
	var jobs []*fanJob
	r.mu.Lock()
	for id, w := range r.workers {
		if id == exclude {
			continue
		}
		if f.Filter != 0 || r.mirrorMatchesLocked(id, f.Channel) {
			jobs = append(jobs, &fanJob{w: w, f: f})
		}
	}
	r.mu.Unlock()
	for _, job := range jobs {
		r.fan.Invoke(job)
	}
}

// mirrorMatchesLocked checks the worker's mirrored channels. Pattern
// mirrors are tested with the default matcher; workers re-filter locally,
// so a false positive only costs one forwarded frame.
func (r *Root) mirrorMatchesLocked(id int, channel []byte) bool {
	if m := r.exact[string(channel)]; m != nil && m[id] > 0 {
		return true
	}
	for pat, m := range r.patterns {
		if m[id] > 0 && pubsub.MatchGlob([]byte(pat), channel) {
			return true
		}
	}
	return false
}

// PublishRemote implements pubsub.Transport for root-originated
// publications: the local leg is the registry's own, so only workers are
// targeted here.
func (r *Root) PublishRemote(filter int32, channel, msg []byte, isJSON bool, rootOnly bool) error {
	if rootOnly {
		// Root publishing to itself; the registry already delivered.
		return nil
	}
	r.forward(&Frame{Type: FramePublish, Filter: filter, IsJSON: isJSON, Channel: channel, Msg: msg}, -1)
	return nil
}

// Subscribe is a no-op: the root's own channels need no mirroring.
func (r *Root) Subscribe(channel []byte, pattern bool) error { return nil }

// Unsubscribe is a no-op, matching Subscribe.
func (r *Root) Unsubscribe(channel []byte, pattern bool) error { return nil }

// BroadcastShutdown tells every worker to begin an orderly shutdown.
func (r *Root) BroadcastShutdown() {
	var jobs []*fanJob
	r.mu.Lock()
	for _, w := range r.workers {
		jobs = append(jobs, &fanJob{w: w, f: &Frame{Type: FrameShutdown}})
	}
	r.mu.Unlock()
	for _, job := range jobs {
		r.fan.Invoke(job)
	}
}

// PingAll sends a keepalive to every worker.
func (r *Root) PingAll() {
	var jobs []*fanJob
	r.mu.Lock()
	for _, w := range r.workers {
		jobs = append(jobs, &fanJob{w: w, f: &Frame{Type: FramePing}})
	}
	r.mu.Unlock()
	for _, job := range jobs {
		r.fan.Invoke(job)
	}
}

func (r *Root) dropWorker(id int) {
	r.mu.Lock()
	w := r.workers[id]
	delete(r.workers, id)
	for name, m := range r.exact {
		delete(m, id)
		if len(m) == 0 {
			delete(r.exact, name)
		}
	}
	for name, m := range r.patterns {
		delete(m, id)
		if len(m) == 0 {
			delete(r.patterns, name)
		}
	}
	closed := r.closed
	r.mu.Unlock()
	if w != nil {
		_ = w.file.Close()
	}
	if !closed && r.onWorkerExit != nil {
		r.onWorkerExit(id)
	}
}

// Close stops the hub and releases every worker pipe.
func (r *Root) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	workers := make([]*rootWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		_ = w.file.Close()
	}
	r.fan.Close()
}

var _ pubsub.Transport = (*WorkerLink)(nil)
var _ pubsub.Transport = (*Root)(nil)
