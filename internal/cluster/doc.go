// File: internal/cluster/doc.go
// Package cluster links the root process with its workers over socketpair
// pipes carrying length-prefixed frames: pub/sub traffic, subscription
// mirroring, and shutdown control. The root keeps a mirror of each
// worker's channels purely to decide where to forward publications.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package cluster
