// Package registry tracks subscriber interest per topic.
package registry

import (
	"sort"
	"sync"

	"github.com/quantpulse/streamcore/internal/schema"
)

// Registry maintains the bidirectional mapping between topics and client IDs.
// Both indexes are mutated inside a single critical section, so they can never
// disagree; MembersOf takes only a read lock and copies, keeping the hot
// broadcast path from blocking writers for long.
type Registry struct {
	mu       sync.RWMutex
	byTopic  map[schema.Topic]map[string]struct{}
	byClient map[string]map[schema.Topic]struct{}
}

// New constructs an empty registry.
func New() *Registry {
	r := new(Registry)
	r.byTopic = make(map[schema.Topic]map[string]struct{})
	r.byClient = make(map[string]map[schema.Topic]struct{})
	return r
}

// Register creates an entry for a client with no subscriptions yet. A client
// with zero topics is valid and inert.
func (r *Registry) Register(clientID string) {
	if clientID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byClient[clientID]; !ok {
		r.byClient[clientID] = make(map[schema.Topic]struct{})
	}
}

// Subscribe adds the topics to the client's interest set and returns the
// normalized topics that were accepted.
func (r *Registry) Subscribe(clientID string, topics []schema.Topic) []schema.Topic {
	if clientID == "" || len(topics) == 0 {
		return nil
	}
	accepted := make([]schema.Topic, 0, len(topics))

	r.mu.Lock()
	defer r.mu.Unlock()

	clientTopics, ok := r.byClient[clientID]
	if !ok {
		clientTopics = make(map[schema.Topic]struct{})
		r.byClient[clientID] = clientTopics
	}
	for _, raw := range topics {
		topic := raw.Normalize()
		if topic.Validate() != nil {
			continue
		}
		members, ok := r.byTopic[topic]
		if !ok {
			members = make(map[string]struct{})
			r.byTopic[topic] = members
		}
		members[clientID] = struct{}{}
		clientTopics[topic] = struct{}{}
		accepted = append(accepted, topic)
	}
	return accepted
}

// Unsubscribe removes the topics from the client's interest set and returns
// the normalized topics that were removed.
func (r *Registry) Unsubscribe(clientID string, topics []schema.Topic) []schema.Topic {
	if clientID == "" || len(topics) == 0 {
		return nil
	}
	removed := make([]schema.Topic, 0, len(topics))

	r.mu.Lock()
	defer r.mu.Unlock()

	clientTopics, ok := r.byClient[clientID]
	if !ok {
		return nil
	}
	for _, raw := range topics {
		topic := raw.Normalize()
		if _, subscribed := clientTopics[topic]; !subscribed {
			continue
		}
		delete(clientTopics, topic)
		if members, ok := r.byTopic[topic]; ok {
			delete(members, clientID)
			if len(members) == 0 {
				delete(r.byTopic, topic)
			}
		}
		removed = append(removed, topic)
	}
	return removed
}

// MembersOf returns the clients currently subscribed to the topic.
func (r *Registry) MembersOf(topic schema.Topic) []string {
	topic = topic.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byTopic[topic]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for clientID := range members {
		out = append(out, clientID)
	}
	return out
}

// TopicsOf returns the client's current subscription set, sorted for stable output.
func (r *Registry) TopicsOf(clientID string) []schema.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := r.byClient[clientID]
	if len(topics) == 0 {
		return nil
	}
	out := make([]schema.Topic, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind == out[j].Kind {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// RemoveClient drops the client from every topic member set in one pass.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.byClient[clientID]
	if !ok {
		return
	}
	delete(r.byClient, clientID)
	for topic := range topics {
		if members, ok := r.byTopic[topic]; ok {
			delete(members, clientID)
			if len(members) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// TopicCount returns the number of topics with at least one member.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}
