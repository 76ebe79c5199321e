package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/quantpulse/streamcore/internal/schema"
)

func topic(kind schema.StreamKind, symbol string) schema.Topic {
	return schema.NewTopic(kind, symbol)
}

func TestSubscribeAndMembersOf(t *testing.T) {
	r := New()
	aapl := topic(schema.KindMarketData, "AAPL")

	accepted := r.Subscribe("c1", []schema.Topic{aapl})
	if len(accepted) != 1 {
		t.Fatalf("accepted = %v, want one topic", accepted)
	}
	r.Subscribe("c2", []schema.Topic{aapl})

	members := r.MembersOf(aapl)
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Fatalf("MembersOf = %v, want [c1 c2]", members)
	}
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	r := New()
	accepted := r.Subscribe("c1", []schema.Topic{{Kind: "candles", Symbol: "AAPL"}})
	if len(accepted) != 0 {
		t.Fatalf("accepted = %v, want none", accepted)
	}
}

func TestUnsubscribe(t *testing.T) {
	r := New()
	aapl := topic(schema.KindMarketData, "AAPL")
	msft := topic(schema.KindMarketData, "MSFT")
	r.Subscribe("c1", []schema.Topic{aapl, msft})

	removed := r.Unsubscribe("c1", []schema.Topic{aapl})
	if len(removed) != 1 {
		t.Fatalf("removed = %v, want one topic", removed)
	}
	if members := r.MembersOf(aapl); len(members) != 0 {
		t.Fatalf("MembersOf(aapl) = %v, want empty", members)
	}
	if members := r.MembersOf(msft); len(members) != 1 {
		t.Fatalf("MembersOf(msft) = %v, want [c1]", members)
	}
}

func TestZeroTopicClientStillExists(t *testing.T) {
	r := New()
	r.Register("c1")
	if r.ClientCount() != 1 {
		t.Fatal("registered client should exist with zero topics")
	}

	aapl := topic(schema.KindMarketData, "AAPL")
	r.Subscribe("c1", []schema.Topic{aapl})
	r.Unsubscribe("c1", []schema.Topic{aapl})
	if r.ClientCount() != 1 {
		t.Fatal("client must survive unsubscribing its last topic")
	}
}

func TestRemoveClientClearsAllTopics(t *testing.T) {
	r := New()
	topics := []schema.Topic{
		topic(schema.KindMarketData, "AAPL"),
		topic(schema.KindPositions, ""),
		topic(schema.KindSignals, "BTC-USD"),
	}
	r.Subscribe("c1", topics)
	r.Subscribe("c2", topics[:1])

	r.RemoveClient("c1")
	for _, tp := range topics {
		for _, member := range r.MembersOf(tp) {
			if member == "c1" {
				t.Fatalf("c1 still member of %s", tp)
			}
		}
	}
	if r.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", r.ClientCount())
	}
	if got := r.MembersOf(topics[0]); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("MembersOf = %v, want [c2]", got)
	}
}

// Index consistency: after arbitrary subscribe/unsubscribe sequences the
// per-topic member sets must exactly mirror the per-client subscription sets.
func TestIndexConsistencyUnderRandomOps(t *testing.T) {
	r := New()
	rng := rand.New(rand.NewSource(7))
	clients := []string{"c1", "c2", "c3", "c4"}
	universe := []schema.Topic{
		topic(schema.KindMarketData, "AAPL"),
		topic(schema.KindMarketData, "MSFT"),
		topic(schema.KindPositions, ""),
		topic(schema.KindSignals, "ETH-USD"),
	}

	for i := 0; i < 500; i++ {
		client := clients[rng.Intn(len(clients))]
		tp := universe[rng.Intn(len(universe))]
		if rng.Intn(2) == 0 {
			r.Subscribe(client, []schema.Topic{tp})
		} else {
			r.Unsubscribe(client, []schema.Topic{tp})
		}
	}

	for _, tp := range universe {
		members := map[string]bool{}
		for _, m := range r.MembersOf(tp) {
			members[m] = true
		}
		for _, client := range clients {
			subscribed := false
			for _, ct := range r.TopicsOf(client) {
				if ct == tp {
					subscribed = true
					break
				}
			}
			if members[client] != subscribed {
				t.Fatalf("index mismatch for client=%s topic=%s: member=%v subscribed=%v",
					client, tp, members[client], subscribed)
			}
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	aapl := topic(schema.KindMarketData, "AAPL")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client := fmt.Sprintf("c%d", n)
			for j := 0; j < 200; j++ {
				r.Subscribe(client, []schema.Topic{aapl})
				r.MembersOf(aapl)
				r.Unsubscribe(client, []schema.Topic{aapl})
			}
		}(i)
	}
	wg.Wait()

	if members := r.MembersOf(aapl); len(members) != 0 {
		t.Fatalf("MembersOf = %v, want empty after balanced ops", members)
	}
}
