// File: pubsub/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Delivery engines. The four built-in engines select a routing scope;
// custom engines bridge publications to external brokers and are notified
// of channel creation and destruction.

package pubsub

// Engine routes publications. Custom engines receive Subscribe/Unsubscribe
// notifications for every channel the process creates or destroys, and
// Publish for every unfiltered publication explicitly targeted at them.
//
// Subscribe and Unsubscribe run on defer-queue workers; Publish runs on the
// publisher's goroutine. No callback runs under the registry lock; an
// engine that needs to publish from inside Subscribe or Unsubscribe must
// still defer the call rather than invoke the registry synchronously.
type Engine interface {
	Subscribe(channel []byte, match MatchFunc)
	Unsubscribe(channel []byte, match MatchFunc)
	Publish(channel, msg []byte, isJSON bool)
}

// builtin is a routing-scope selector; its methods are never invoked.
type builtin int

func (builtin) Subscribe([]byte, MatchFunc)   {}
func (builtin) Unsubscribe([]byte, MatchFunc) {}
func (builtin) Publish([]byte, []byte, bool)  {}

// Built-in routing scopes.
var (
	// Cluster delivers to every process: the publisher, its siblings and
	// the root.
	Cluster Engine = builtin(1)
	// Process delivers within the publishing process only.
	Process Engine = builtin(2)
	// Siblings delivers to every process except the publisher.
	Siblings Engine = builtin(3)
	// Root delivers to the root process only.
	Root Engine = builtin(4)
)

// Transport carries publications and subscription mirroring between
// processes. The cluster layer implements it; a nil transport confines the
// registry to the local process.
type Transport interface {
	// PublishRemote forwards a publication. When rootOnly is set the
	// message is for the root process alone; otherwise the root fans it
	// out to every other worker.
	PublishRemote(filter int32, channel, msg []byte, isJSON bool, rootOnly bool) error
	// Subscribe mirrors channel creation to the root.
	Subscribe(channel []byte, pattern bool) error
	// Unsubscribe mirrors channel destruction to the root.
	Unsubscribe(channel []byte, pattern bool) error
}
