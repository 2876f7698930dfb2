// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer pooling for the hioload-reactor IO paths. The connection layer
// borrows fixed-size chunk buffers here to stream file packets through
// custom transport hooks, keeping per-connection memory bounded no matter
// how large the file is.
package pool
