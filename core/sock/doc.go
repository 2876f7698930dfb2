// File: core/sock/doc.go
// Package sock owns the per-descriptor connection table: UUID minting and
// validation, protocol attachment and its lock discipline, the outgoing
// packet queue, and the read/write/flush paths over pluggable hooks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package sock
