// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime configuration.

// Package server is the facade tying the reactor, connection table, defer
// queue, pub/sub registry and cluster supervision into one runtime.
package server

import (
	"runtime"
	"time"
)

// Config holds all configurable parameters of a Runtime.
type Config struct {
	// Threads is the number of reactor threads per process. Negative
	// values mean a fraction of the CPU count: -2 is half the cores.
	Threads int
	// Workers is the number of worker processes, resolved like Threads by
	// ExpectedConcurrency. A resolved count below 2 selects single-process
	// mode.
	Workers int
	// MaxFDs caps the connection table.
	MaxFDs int
	// ListenBacklog is passed to listen(2).
	ListenBacklog int
	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration
	// ClusterQueue bounds pending cluster fan-out jobs in the root.
	ClusterQueue int
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Threads:         runtime.NumCPU(),
		Workers:         1,
		MaxFDs:          131072,
		ListenBacklog:   1024,
		ShutdownTimeout: 8 * time.Second,
		ClusterQueue:    4096,
	}
}

// ExpectedConcurrency resolves the thread/worker shorthands the way Start
// will: negative values turn into CPU fractions, and a zero worker count
// next to a negative thread count borrows its absolute value.
func ExpectedConcurrency(threads, workers int) (int, int) {
	cores := runtime.NumCPU()
	if threads < 0 {
		if workers == 0 {
			workers = -threads
		}
		threads = cores / -threads
	}
	if workers < 0 {
		workers = cores / -workers
	}
	if threads < 1 {
		threads = 1
	}
	if workers < 1 {
		workers = 1
	}
	return threads, workers
}
