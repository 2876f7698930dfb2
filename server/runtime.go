// File: server/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime assembly and process supervision. A Runtime runs in one of three
// roles: single process, cluster root, or worker. Workers are re-executed
// copies of the current binary with the cluster pipe inherited as an extra
// file; the root respawns workers that die unexpectedly.

package server

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/sock"
	"github.com/momentics/hioload-reactor/internal/cluster"
	"github.com/momentics/hioload-reactor/internal/concurrency"
	"github.com/momentics/hioload-reactor/lifecycle"
	"github.com/momentics/hioload-reactor/pubsub"
	"github.com/momentics/hioload-reactor/reactor"
)

// workerEnv carries the worker id into re-executed children.
const workerEnv = "HIOLOAD_WORKER_ID"

// clusterPipeFD is where the inherited cluster pipe lands in a worker.
const clusterPipeFD = 3

// Runtime is the assembled reactor runtime for one process.
type Runtime struct {
	cfg    *Config
	table  *sock.Table
	defq   *concurrency.DeferQueue
	timers *concurrency.TimerQueue
	states *lifecycle.Registry
	reg    *pubsub.Registry
	re     *reactor.Reactor

	listenerIDs []api.UUID

	workerID int // 0 in the root / single process, 1..N in workers
	link     *cluster.WorkerLink
	root     *cluster.Root

	mu       sync.Mutex
	children map[int]*exec.Cmd
	started  int32
	stopping int32
}

// New assembles a runtime. The process role is read from the environment:
// a re-executed worker carries its id in HIOLOAD_WORKER_ID.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defq := concurrency.NewDeferQueue()
	timers := concurrency.NewTimerQueue()
	states := lifecycle.NewRegistry()
	table := sock.NewTable(cfg.MaxFDs, defq)
	reg := pubsub.NewRegistry(defq)
	re, err := reactor.New(table, defq, timers, states)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		cfg:      cfg,
		table:    table,
		defq:     defq,
		timers:   timers,
		states:   states,
		reg:      reg,
		re:       re,
		children: make(map[int]*exec.Cmd),
	}
	if idStr := os.Getenv(workerEnv); idStr != "" {
		if id, err := strconv.Atoi(idStr); err == nil && id > 0 {
			rt.workerID = id
		}
	}
	return rt, nil
}

// Table exposes the connection table.
func (rt *Runtime) Table() *sock.Table { return rt.table }

// PubSub exposes the pub/sub registry.
func (rt *Runtime) PubSub() *pubsub.Registry { return rt.reg }

// States exposes the lifecycle callback registry.
func (rt *Runtime) States() *lifecycle.Registry { return rt.states }

// Reactor exposes the event loop (suspend/resume, forced events).
func (rt *Runtime) Reactor() *reactor.Reactor { return rt.re }

// Defer queues a task on the runtime's defer queue.
func (rt *Runtime) Defer(fn func(arg1, arg2 any), arg1, arg2 any) error {
	return rt.defq.Defer(fn, arg1, arg2)
}

// RunEvery schedules a periodic task; repetitions == 0 repeats forever.
func (rt *Runtime) RunEvery(every time.Duration, repetitions int64, task concurrency.TimerTask, arg any, onFinish func(arg any)) error {
	return rt.timers.RunEvery(every.Milliseconds(), repetitions, task, arg, onFinish)
}

// IsWorker reports whether this process handles connections (a worker, or
// the single process when clustering is off).
func (rt *Runtime) IsWorker() bool {
	_, workers := ExpectedConcurrency(rt.cfg.Threads, rt.cfg.Workers)
	return rt.workerID > 0 || workers < 2
}

// IsMaster reports whether this process is the cluster root (or the
// single process).
func (rt *Runtime) IsMaster() bool { return rt.workerID == 0 }

// ParentPID returns the root process id (the parent for workers).
func (rt *Runtime) ParentPID() int {
	if rt.workerID > 0 {
		return os.Getppid()
	}
	return os.Getpid()
}

// Start runs the runtime in its role and blocks until shutdown completes.
func (rt *Runtime) Start() error {
	if !atomic.CompareAndSwapInt32(&rt.started, 0, 1) {
		return fmt.Errorf("server: already started")
	}
	threads, workers := ExpectedConcurrency(rt.cfg.Threads, rt.cfg.Workers)
	rt.states.Fire(lifecycle.OnInitialize)
	rt.states.Fire(lifecycle.PreStart)
	switch {
	case rt.workerID > 0:
		return rt.runWorker(threads)
	case workers > 1:
		return rt.runRoot(threads, workers)
	default:
		return rt.runSingle(threads)
	}
}

// Stop begins an orderly shutdown from any goroutine.
func (rt *Runtime) Stop() {
	if !atomic.CompareAndSwapInt32(&rt.stopping, 0, 1) {
		return
	}
	go rt.shutdown()
}

func (rt *Runtime) stoppingNow() bool { return atomic.LoadInt32(&rt.stopping) != 0 }

func (rt *Runtime) runSingle(threads int) error {
	rt.watchSignals()
	rt.states.Fire(lifecycle.OnStart)
	log.Printf("server: pid %d running %d reactor threads", os.Getpid(), threads)
	rt.re.Run(threads)
	rt.finish()
	return nil
}

func (rt *Runtime) runWorker(threads int) error {
	pipe := os.NewFile(uintptr(clusterPipeFD), "cluster-pipe")
	if pipe == nil {
		return fmt.Errorf("%w: worker started without a cluster pipe", api.ErrClusterIPC)
	}
	rt.link = cluster.NewWorkerLink(pipe, rt.reg)
	rt.link.SetHandlers(rt.Stop, func() {
		rt.states.Fire(lifecycle.OnParentCrash)
		rt.Stop()
	})
	rt.reg.SetTransport(rt.link, false)
	rt.states.Fire(lifecycle.AfterFork)
	rt.states.Fire(lifecycle.InChild)
	go rt.link.Run()
	rt.link.AnnounceChannels()
	rt.watchSignals()
	rt.states.Fire(lifecycle.OnStart)
	log.Printf("server: worker %d pid %d running %d reactor threads", rt.workerID, os.Getpid(), threads)
	rt.re.Run(threads)
	rt.finish()
	return nil
}

func (rt *Runtime) runRoot(threads, workers int) error {
	rt.root = cluster.NewRoot(rt.reg, rt.cfg.ClusterQueue)
	rt.reg.SetTransport(rt.root, true)
	for id := 1; id <= workers; id++ {
		if err := rt.spawnWorker(id); err != nil {
			log.Printf("server: spawn worker %d: %v", id, err)
		}
	}
	rt.watchSignals()
	rt.states.Fire(lifecycle.OnStart)
	log.Printf("server: root pid %d supervising %d workers", os.Getpid(), workers)
	rt.re.Run(threads)
	rt.waitChildren()
	rt.finish()
	return nil
}

// spawnWorker re-executes the binary with one end of a socketpair as the
// cluster pipe.
func (rt *Runtime) spawnWorker(id int) error {
	rt.states.Fire(lifecycle.BeforeFork)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: socketpair: %v", api.ErrClusterIPC, err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "cluster-pipe-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "cluster-pipe-child")
	exe, err := os.Executable()
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", workerEnv, id))
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Start(); err != nil {
		parentEnd.Close()
		childEnd.Close()
		return err
	}
	childEnd.Close()
	rt.mu.Lock()
	rt.children[id] = cmd
	rt.mu.Unlock()
	rt.root.AddWorker(id, parentEnd)
	rt.states.Fire(lifecycle.AfterFork)
	go rt.superviseWorker(id, cmd)
	return nil
}

// superviseWorker respawns a worker that died outside shutdown.
func (rt *Runtime) superviseWorker(id int, cmd *exec.Cmd) {
	err := cmd.Wait()
	rt.mu.Lock()
	if rt.children[id] == cmd {
		delete(rt.children, id)
	}
	rt.mu.Unlock()
	if rt.stoppingNow() {
		return
	}
	log.Printf("server: worker %d exited unexpectedly: %v", id, err)
	rt.states.Fire(lifecycle.OnChildCrash)
	if err := rt.spawnWorker(id); err != nil {
		log.Printf("server: respawn worker %d: %v", id, err)
	}
}

func (rt *Runtime) waitChildren() {
	for {
		rt.mu.Lock()
		n := len(rt.children)
		rt.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (rt *Runtime) watchSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Printf("server: pid %d caught %v, shutting down", os.Getpid(), sig)
		rt.Stop()
	}()
}

// shutdown runs the orderly teardown for this process role.
func (rt *Runtime) shutdown() {
	rt.states.Fire(lifecycle.OnShutdown)
	if rt.root != nil {
		rt.root.BroadcastShutdown()
	}
	// Listeners close first so nothing new arrives during the drain.
	rt.closeListeners()
	rt.re.Shutdown(rt.cfg.ShutdownTimeout)
}

// finish runs after the reactor loop returned.
func (rt *Runtime) finish() {
	if rt.link != nil {
		rt.link.Close()
	}
	if rt.root != nil {
		rt.root.Close()
	}
	rt.re.Close()
	rt.states.Fire(lifecycle.OnFinish)
	rt.states.Fire(lifecycle.AtExit)
	log.Printf("server: pid %d stopped", os.Getpid())
}
