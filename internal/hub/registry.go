package hub

import (
	"context"
	"sync"

	"telegraph/pkg/models"
)

// subscription is the per-(connection, call) state: the delivery cursor and
// the lifetime of the owned polling task. lastSeq is guarded by mu, which is
// held across the whole check-then-send-then-update sequence so the webhook
// and polling paths can never both deliver the same turn.
type subscription struct {
	mu      sync.Mutex
	lastSeq int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newSubscription() *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{ctx: ctx, cancel: cancel}
}

// stop cancels the subscription's polling task. Safe to call repeatedly.
func (s *subscription) stop() {
	s.cancel()
}

func (s *subscription) cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// topic is the unit of subscription: one call, addressed by both of its
// identifiers. externalID stays empty until the provider identifier is
// learned.
type topic struct {
	generatedID string
	externalID  string
	subs        map[string]*subscription // connection ID -> subscription
}

// registry is the dual-keyed in-memory subscription index. topics maps every
// known identifier (generated and, once known, external) to the same *topic,
// so audiences resolved via either identifier are always identical.
type registry struct {
	mu     sync.RWMutex
	topics map[string]*topic
	byConn map[string]map[*topic]struct{}
}

func newRegistry() *registry {
	return &registry{
		topics: make(map[string]*topic),
		byConn: make(map[string]map[*topic]struct{}),
	}
}

// subscribe records a connection's interest in a call under both of its
// identifiers. Subscribing twice is a no-op returning the existing
// subscription, whichever identifier either subscribe used.
func (r *registry) subscribe(connID string, call *models.Call) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.lookupLocked(call)
	if t == nil {
		t = &topic{generatedID: call.GeneratedID, subs: make(map[string]*subscription)}
		r.topics[call.GeneratedID] = t
	}
	r.refreshAliasLocked(t, call)

	if sub, ok := t.subs[connID]; ok {
		return sub, false
	}

	sub := newSubscription()
	t.subs[connID] = sub
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[*topic]struct{})
	}
	r.byConn[connID][t] = struct{}{}
	return sub, true
}

// unsubscribe removes one connection's subscription addressed by either
// identifier. Returns the removed subscription, or nil if there was none.
func (r *registry) unsubscribe(connID, identifier string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.topics[identifier]
	if t == nil {
		return nil
	}
	sub, ok := t.subs[connID]
	if !ok {
		return nil
	}
	delete(t.subs, connID)
	delete(r.byConn[connID], t)
	if len(r.byConn[connID]) == 0 {
		delete(r.byConn, connID)
	}
	if len(t.subs) == 0 {
		r.removeTopicLocked(t)
	}
	return sub
}

// audience returns a snapshot of the subscribers for a call, refreshing the
// external-identifier alias in case the provider identifier was assigned
// after the subscriptions were created.
func (r *registry) audience(call *models.Call) map[string]*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.lookupLocked(call)
	if t == nil {
		return nil
	}
	r.refreshAliasLocked(t, call)

	out := make(map[string]*subscription, len(t.subs))
	for connID, sub := range t.subs {
		out[connID] = sub
	}
	return out
}

// subscribersOf returns the connection IDs subscribed to whichever
// identifier is given.
func (r *registry) subscribersOf(identifier string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := r.topics[identifier]
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.subs))
	for connID := range t.subs {
		out = append(out, connID)
	}
	return out
}

// hasTopic reports whether any registry state remains for the call
func (r *registry) hasTopic(call *models.Call) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(call) != nil
}

// retire force-unsubscribes every connection from a completed call and
// removes the topic under both identifiers. Returns the removed
// subscriptions so the caller can cancel their polling tasks.
func (r *registry) retire(call *models.Call) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.lookupLocked(call)
	if t == nil {
		return nil
	}

	subs := make([]*subscription, 0, len(t.subs))
	for connID, sub := range t.subs {
		subs = append(subs, sub)
		delete(r.byConn[connID], t)
		if len(r.byConn[connID]) == 0 {
			delete(r.byConn, connID)
		}
	}
	t.subs = make(map[string]*subscription)
	r.removeTopicLocked(t)
	return subs
}

// dropConn removes a connection from every topic it is subscribed to and
// returns the removed subscriptions for cancellation.
func (r *registry) dropConn(connID string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*subscription
	for t := range r.byConn[connID] {
		if sub, ok := t.subs[connID]; ok {
			subs = append(subs, sub)
			delete(t.subs, connID)
		}
		if len(t.subs) == 0 {
			r.removeTopicLocked(t)
		}
	}
	delete(r.byConn, connID)
	return subs
}

// connTopics returns the identifiers a connection is currently subscribed to
func (r *registry) connTopics(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for t := range r.byConn[connID] {
		out = append(out, t.generatedID)
		if t.externalID != "" {
			out = append(out, t.externalID)
		}
	}
	return out
}

// stats returns subscriber counts per topic keyed by generated identifier
func (r *registry) stats() (int, map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	perTopic := make(map[string]int)
	for id, t := range r.topics {
		if id != t.generatedID {
			continue // alias entry, already counted
		}
		perTopic[t.generatedID] = len(t.subs)
		total += len(t.subs)
	}
	return total, perTopic
}

func (r *registry) lookupLocked(call *models.Call) *topic {
	if t := r.topics[call.GeneratedID]; t != nil {
		return t
	}
	if call.ExternalID != nil {
		return r.topics[*call.ExternalID]
	}
	return nil
}

// refreshAliasLocked records a late-arriving external identifier so both
// identifier families reach the same audience from then on. An external
// identifier is immutable once assigned.
func (r *registry) refreshAliasLocked(t *topic, call *models.Call) {
	if t.externalID == "" && call.ExternalID != nil && *call.ExternalID != "" {
		t.externalID = *call.ExternalID
		r.topics[t.externalID] = t
	}
}

func (r *registry) removeTopicLocked(t *topic) {
	delete(r.topics, t.generatedID)
	if t.externalID != "" {
		delete(r.topics, t.externalID)
	}
}
