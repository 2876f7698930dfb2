// File: internal/concurrency/doc.go
// Package concurrency provides the deferred-task queue and the timer heap
// driving every user callback in the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package concurrency
