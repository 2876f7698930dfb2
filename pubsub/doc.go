// File: pubsub/doc.go
// Package pubsub implements the in-process publish/subscribe registry:
// exact channels, glob pattern subscriptions, an integer filter namespace,
// pluggable delivery engines, and per-publication metadata. Cross-process
// fan-out plugs in through the Transport interface.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package pubsub
