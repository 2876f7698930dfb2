// File: core/sock/uuid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UUID packing. A connection identity is the descriptor shifted left one
// byte, with the low byte carrying the slot's generation counter. Every
// successful open bumps the generation, so identifiers minted before a
// descriptor was recycled stop validating.

package sock

import "github.com/momentics/hioload-reactor/api"

// makeUUID packs fd and the low byte of the generation counter.
func makeUUID(fd int, gen uint32) api.UUID {
	return api.UUID(int64(fd)<<8 | int64(gen&0xff))
}

// uuidFD recovers the descriptor. Constant time, no table access.
func uuidFD(u api.UUID) int { return int(u >> 8) }

// uuidGen recovers the generation byte carried by the identifier.
func uuidGen(u api.UUID) uint32 { return uint32(u & 0xff) }
