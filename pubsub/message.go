// File: pubsub/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The message view handed to subscription callbacks, the shared refcounted
// publication body behind it, and per-publication metadata records.

package pubsub

import (
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// MetadataRecord is a typed attachment added to a publication before
// delivery. OnFinish runs once every delivery of the publication finished.
type MetadataRecord struct {
	TypeID   int64
	Data     any
	OnFinish func(data any)
}

// MetadataFunc computes a metadata record for a publication. Returning nil
// attaches nothing.
type MetadataFunc func(channel, msg []byte, isJSON bool) *MetadataRecord

// published is the shared body of one publication. Deliveries hold
// references; metadata finishers run when the last reference drops.
type published struct {
	filter  int32
	channel []byte
	data    []byte
	isJSON  bool
	metas   []*MetadataRecord
	refs    int64
}

func (p *published) ref() { atomic.AddInt64(&p.refs, 1) }

func (p *published) unref() {
	if atomic.AddInt64(&p.refs, -1) != 0 {
		return
	}
	for _, m := range p.metas {
		if m.OnFinish != nil {
			m.OnFinish(m.Data)
		}
	}
}

// Message is the per-delivery view passed to OnMessage callbacks. The
// Channel and Data slices are shared across deliveries and must be treated
// as immutable.
type Message struct {
	Filter  int32
	Channel []byte
	Data    []byte
	IsJSON  bool
	// UData1 and UData2 carry the subscription's opaque values.
	UData1 any
	UData2 any

	pub      *published
	deferred bool
}

// Metadata returns the attached record data for typeID, or nil.
func (m *Message) Metadata(typeID int64) any {
	if m.pub == nil {
		return nil
	}
	for _, rec := range m.pub.metas {
		if rec.TypeID == typeID {
			return rec.Data
		}
	}
	return nil
}

// Defer re-queues this delivery: the same message is handed to the same
// subscription again after the callback returns, without counting as a
// retry anywhere.
func (m *Message) Defer() { m.deferred = true }

// JSON parses the payload of a JSON-flagged message. The second return is
// false when the message is not flagged as JSON or does not parse.
func (m *Message) JSON() (gjson.Result, bool) {
	if !m.IsJSON || !gjson.ValidBytes(m.Data) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(m.Data), true
}
