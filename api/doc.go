// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api declares the public contracts of the hioload-reactor runtime:
// connection identifiers, the protocol callback interface, read/write hooks,
// pub/sub messages and engines, and the shared error vocabulary.
//
// The api package has no dependencies on the runtime packages; every other
// package imports api, never the other way around.
package api
