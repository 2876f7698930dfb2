// File: internal/poller/doc.go
// Package poller wraps the OS readiness source behind a small monitor/wait
// contract. The Linux backend is epoll based; other platforms build against
// a stub that fails at runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package poller
