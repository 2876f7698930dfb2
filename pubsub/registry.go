// File: pubsub/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The channel registry and its delivery machinery. Every callback runs on
// defer-queue workers; each subscription drains its own FIFO through a
// single runner task, which serializes OnMessage per subscription and
// preserves per-publisher delivery order.

package pubsub

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/internal/concurrency"
)

// ErrNoCallback is returned by Subscribe when no OnMessage is supplied.
var ErrNoCallback = errors.New("pubsub: subscription requires an OnMessage callback")

// SubscribeArgs parameterizes Subscribe. A subscription matches either a
// numeric filter or a channel, never both; Filter wins when non-zero.
type SubscribeArgs struct {
	Filter  int32
	Channel []byte
	// Match turns the channel into a pattern subscription. Use MatchGlob
	// for the default segment-glob semantics.
	Match         MatchFunc
	OnMessage     func(msg *Message)
	OnUnsubscribe func(udata1, udata2 any)
	UData1        any
	UData2        any
}

// PublishArgs parameterizes Publish. A nil Engine uses the registry
// default (Cluster).
type PublishArgs struct {
	Engine  Engine
	Filter  int32
	Channel []byte
	Message []byte
	IsJSON  bool
}

// Subscription is one registered message sink.
type Subscription struct {
	reg           *Registry
	filter        int32
	channel       string
	match         MatchFunc
	onMessage     func(*Message)
	onUnsubscribe func(udata1, udata2 any)
	udata1        any
	udata2        any

	pmu     sync.Mutex
	pending []*delivery
	active  bool

	refs      int64
	cancelled uint32
	finished  uint32
}

type delivery struct {
	sub *Subscription
	pub *published
}

type channelEntry struct {
	name    string
	pattern bool
	subs    []*Subscription
}

// Registry is the process-local pub/sub hub.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channelEntry
	patterns map[string]*channelEntry
	filters  map[int32][]*Subscription
	engines  []Engine
	metaFns  map[uint64]MetadataFunc
	metaSeq  uint64

	defq          *concurrency.DeferQueue
	transport     Transport
	isRoot        bool
	defaultEngine Engine
}

// NewRegistry creates an empty registry wired to the defer queue.
func NewRegistry(defq *concurrency.DeferQueue) *Registry {
	return &Registry{
		channels:      make(map[string]*channelEntry),
		patterns:      make(map[string]*channelEntry),
		filters:       make(map[int32][]*Subscription),
		metaFns:       make(map[uint64]MetadataFunc),
		defq:          defq,
		defaultEngine: Cluster,
	}
}

// SetTransport installs the cross-process transport. isRoot marks the
// root process, which delivers Root-scoped publications locally.
func (r *Registry) SetTransport(tr Transport, isRoot bool) {
	r.mu.Lock()
	r.transport = tr
	r.isRoot = isRoot
	r.mu.Unlock()
}

// SetDefaultEngine replaces the engine used when PublishArgs.Engine is nil.
func (r *Registry) SetDefaultEngine(e Engine) {
	if e == nil {
		e = Cluster
	}
	r.mu.Lock()
	r.defaultEngine = e
	r.mu.Unlock()
}

// Subscribe registers a new subscription. Identical repeated subscriptions
// are independent: no deduplication happens.
func (r *Registry) Subscribe(args SubscribeArgs) (*Subscription, error) {
	if args.OnMessage == nil {
		return nil, ErrNoCallback
	}
	sub := &Subscription{
		reg:           r,
		filter:        args.Filter,
		channel:       string(args.Channel),
		match:         args.Match,
		onMessage:     args.OnMessage,
		onUnsubscribe: args.OnUnsubscribe,
		udata1:        args.UData1,
		udata2:        args.UData2,
		refs:          1,
	}
	if args.Filter != 0 {
		r.mu.Lock()
		r.filters[args.Filter] = append(r.filters[args.Filter], sub)
		r.mu.Unlock()
		return sub, nil
	}
	if args.Match != nil && !ValidPattern(args.Channel) {
		return nil, api.ErrPatternInvalid
	}
	space := r.channels
	pattern := args.Match != nil
	if pattern {
		space = r.patterns
	}
	r.mu.Lock()
	ce := space[sub.channel]
	created := ce == nil
	if created {
		ce = &channelEntry{name: sub.channel, pattern: pattern}
		space[sub.channel] = ce
	}
	ce.subs = append(ce.subs, sub)
	engines := append([]Engine(nil), r.engines...)
	tr := r.transport
	r.mu.Unlock()
	if created {
		r.noteChannel(engines, tr, sub.channel, pattern, sub.match, false)
	}
	return sub, nil
}

// Unsubscribe cancels a subscription. Queued deliveries are dropped;
// OnUnsubscribe fires once the last in-flight OnMessage completes.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil || !atomic.CompareAndSwapUint32(&sub.cancelled, 0, 1) {
		return
	}
	destroyed := false
	var engines []Engine
	var tr Transport
	r.mu.Lock()
	if sub.filter != 0 {
		r.filters[sub.filter] = removeSub(r.filters[sub.filter], sub)
		if len(r.filters[sub.filter]) == 0 {
			delete(r.filters, sub.filter)
		}
	} else {
		space := r.channels
		if sub.match != nil {
			space = r.patterns
		}
		if ce := space[sub.channel]; ce != nil {
			ce.subs = removeSub(ce.subs, sub)
			if len(ce.subs) == 0 {
				delete(space, sub.channel)
				destroyed = true
			}
		}
	}
	engines = append(engines, r.engines...)
	tr = r.transport
	r.mu.Unlock()
	if destroyed {
		r.noteChannel(engines, tr, sub.channel, sub.match != nil, sub.match, true)
	}
	sub.unref()
}

func removeSub(list []*Subscription, sub *Subscription) []*Subscription {
	for i := range list {
		if list[i] == sub {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// SubscriptionChannel describes what the subscription listens to.
func (r *Registry) SubscriptionChannel(sub *Subscription) string {
	if sub == nil {
		return ""
	}
	if sub.filter != 0 {
		return "filter:" + strconv.FormatInt(int64(sub.filter), 10)
	}
	return sub.channel
}

// engineNote carries an engine notification through the defer queue, so
// engine callbacks never run under the registry lock.
type engineNote struct {
	eng     Engine
	channel []byte
	match   MatchFunc
	unsub   bool
}

func (r *Registry) noteChannel(engines []Engine, tr Transport, name string, pattern bool, match MatchFunc, unsub bool) {
	for _, eng := range engines {
		_ = r.defq.Defer(r.runEngineNote, &engineNote{eng: eng, channel: []byte(name), match: match, unsub: unsub}, nil)
	}
	if tr == nil {
		return
	}
	if unsub {
		_ = tr.Unsubscribe([]byte(name), pattern)
	} else {
		_ = tr.Subscribe([]byte(name), pattern)
	}
}

func (r *Registry) runEngineNote(a1, _ any) {
	n := a1.(*engineNote)
	if n.unsub {
		n.eng.Unsubscribe(n.channel, n.match)
		return
	}
	n.eng.Subscribe(n.channel, n.match)
}

// Publish routes one publication according to its engine scope. Publishing
// to a channel nobody listens on is a successful no-op.
func (r *Registry) Publish(args PublishArgs) error {
	r.mu.Lock()
	eng := args.Engine
	if eng == nil {
		eng = r.defaultEngine
	}
	tr := r.transport
	isRoot := r.isRoot
	r.mu.Unlock()

	switch eng {
	case Process:
		r.DeliverLocal(args.Filter, args.Channel, args.Message, args.IsJSON)
	case Cluster:
		if tr != nil {
			if err := tr.PublishRemote(args.Filter, args.Channel, args.Message, args.IsJSON, false); err != nil {
				return err
			}
		}
		r.DeliverLocal(args.Filter, args.Channel, args.Message, args.IsJSON)
	case Siblings:
		if tr == nil {
			return nil
		}
		return tr.PublishRemote(args.Filter, args.Channel, args.Message, args.IsJSON, false)
	case Root:
		if tr == nil || isRoot {
			r.DeliverLocal(args.Filter, args.Channel, args.Message, args.IsJSON)
			return nil
		}
		return tr.PublishRemote(args.Filter, args.Channel, args.Message, args.IsJSON, true)
	default:
		if args.Filter != 0 {
			// Custom engines carry channel publications only.
			return nil
		}
		eng.Publish(cloneBytes(args.Channel), cloneBytes(args.Message), args.IsJSON)
	}
	return nil
}

// DeliverLocal fans a publication out to local subscriptions only. The
// cluster layer calls this for inbound frames; Publish uses it for the
// local leg of the Process, Cluster and Root scopes.
func (r *Registry) DeliverLocal(filter int32, channel, msg []byte, isJSON bool) {
	pub := &published{
		filter:  filter,
		channel: cloneBytes(channel),
		data:    cloneBytes(msg),
		isJSON:  isJSON,
		refs:    1,
	}
	if filter == 0 {
		r.attachMetadata(pub)
	}
	for _, sub := range r.matchSubscriptions(pub) {
		r.queueDelivery(sub, pub)
	}
	pub.unref()
}

func (r *Registry) matchSubscriptions(pub *published) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var targets []*Subscription
	if pub.filter != 0 {
		targets = append(targets, r.filters[pub.filter]...)
		return targets
	}
	if ce := r.channels[string(pub.channel)]; ce != nil {
		targets = append(targets, ce.subs...)
	}
	for name, ce := range r.patterns {
		pat := []byte(name)
		for _, sub := range ce.subs {
			if sub.match != nil && sub.match(pat, pub.channel) {
				targets = append(targets, sub)
			}
		}
	}
	return targets
}

func (r *Registry) attachMetadata(pub *published) {
	r.mu.Lock()
	fns := make([]MetadataFunc, 0, len(r.metaFns))
	for _, fn := range r.metaFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		if rec := fn(pub.channel, pub.data, pub.isJSON); rec != nil {
			pub.metas = append(pub.metas, rec)
		}
	}
}

// MetadataAdd registers a per-publication metadata callback and returns a
// handle for MetadataRemove.
func (r *Registry) MetadataAdd(fn MetadataFunc) uint64 {
	if fn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metaSeq++
	r.metaFns[r.metaSeq] = fn
	return r.metaSeq
}

// MetadataRemove drops a metadata callback.
func (r *Registry) MetadataRemove(id uint64) {
	r.mu.Lock()
	delete(r.metaFns, id)
	r.mu.Unlock()
}

// queueDelivery appends one delivery to the subscription FIFO and starts
// its runner when idle.
func (r *Registry) queueDelivery(sub *Subscription, pub *published) {
	if atomic.LoadUint32(&sub.cancelled) != 0 {
		return
	}
	pub.ref()
	atomic.AddInt64(&sub.refs, 1)
	d := &delivery{sub: sub, pub: pub}
	sub.pmu.Lock()
	sub.pending = append(sub.pending, d)
	start := !sub.active
	if start {
		sub.active = true
	}
	sub.pmu.Unlock()
	if start {
		_ = r.defq.Defer(r.runSubscription, sub, nil)
	}
}

// runSubscription processes one queued delivery, then yields back to the
// defer queue while work remains. A single runner per subscription keeps
// OnMessage serialized and in publish order.
func (r *Registry) runSubscription(a1, _ any) {
	sub := a1.(*Subscription)
	sub.pmu.Lock()
	if len(sub.pending) == 0 {
		sub.active = false
		sub.pmu.Unlock()
		return
	}
	d := sub.pending[0]
	sub.pending = sub.pending[1:]
	sub.pmu.Unlock()

	if atomic.LoadUint32(&sub.cancelled) != 0 {
		d.pub.unref()
		sub.unref()
	} else {
		msg := &Message{
			Filter:  d.pub.filter,
			Channel: d.pub.channel,
			Data:    d.pub.data,
			IsJSON:  d.pub.isJSON,
			UData1:  sub.udata1,
			UData2:  sub.udata2,
			pub:     d.pub,
		}
		invokeOnMessage(sub, msg)
		if msg.deferred {
			sub.pmu.Lock()
			sub.pending = append([]*delivery{d}, sub.pending...)
			sub.pmu.Unlock()
		} else {
			d.pub.unref()
			sub.unref()
		}
	}

	sub.pmu.Lock()
	if len(sub.pending) > 0 {
		sub.pmu.Unlock()
		_ = r.defq.Defer(r.runSubscription, a1, nil)
		return
	}
	sub.active = false
	sub.pmu.Unlock()
}

// invokeOnMessage shields the runner (and the reference accounting) from a
// panicking callback.
func invokeOnMessage(sub *Subscription, msg *Message) {
	defer func() { _ = recover() }()
	sub.onMessage(msg)
}

func (s *Subscription) unref() {
	if atomic.AddInt64(&s.refs, -1) != 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&s.finished, 0, 1) {
		return
	}
	if s.onUnsubscribe != nil {
		_ = s.reg.defq.Defer(s.runUnsubscribe, nil, nil)
	}
}

func (s *Subscription) runUnsubscribe(_, _ any) {
	s.onUnsubscribe(s.udata1, s.udata2)
}

// EngineAttach registers a custom engine. Its Subscribe callback fires
// (deferred) for every channel already present.
func (r *Registry) EngineAttach(e Engine) {
	if e == nil {
		return
	}
	r.mu.Lock()
	for _, have := range r.engines {
		if have == e {
			r.mu.Unlock()
			return
		}
	}
	r.engines = append(r.engines, e)
	r.mu.Unlock()
	r.EngineReattach(e)
}

// EngineDetach removes a custom engine.
func (r *Registry) EngineDetach(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.engines {
		if r.engines[i] == e {
			r.engines = append(r.engines[:i:i], r.engines[i+1:]...)
			return
		}
	}
}

// EngineIsAttached reports whether the engine is registered.
func (r *Registry) EngineIsAttached(e Engine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.engines {
		if have == e {
			return true
		}
	}
	return false
}

// EngineReattach replays a Subscribe notification for every active channel,
// letting an engine that lost its broker connection resubscribe.
func (r *Registry) EngineReattach(e Engine) {
	r.mu.Lock()
	type note struct {
		name  string
		match MatchFunc
	}
	var notes []note
	for name := range r.channels {
		notes = append(notes, note{name: name})
	}
	for name, ce := range r.patterns {
		var m MatchFunc
		if len(ce.subs) > 0 {
			m = ce.subs[0].match
		}
		notes = append(notes, note{name: name, match: m})
	}
	r.mu.Unlock()
	for _, n := range notes {
		_ = r.defq.Defer(r.runEngineNote, &engineNote{eng: e, channel: []byte(n.name), match: n.match}, nil)
	}
}

// EachChannel visits every active channel name. Used by the cluster layer
// to rebuild the root mirror after a respawn.
func (r *Registry) EachChannel(fn func(name []byte, pattern bool)) {
	r.mu.Lock()
	names := make([]struct {
		n string
		p bool
	}, 0, len(r.channels)+len(r.patterns))
	for name := range r.channels {
		names = append(names, struct {
			n string
			p bool
		}{name, false})
	}
	for name := range r.patterns {
		names = append(names, struct {
			n string
			p bool
		}{name, true})
	}
	r.mu.Unlock()
	for _, e := range names {
		fn([]byte(e.n), e.p)
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
