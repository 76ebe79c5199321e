package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantpulse/streamcore/internal/fetch"
	"github.com/quantpulse/streamcore/internal/ratelimit"
	"github.com/quantpulse/streamcore/internal/schema"
)

type captureSink struct {
	mu       sync.Mutex
	messages []schema.Topic
	payloads []json.RawMessage
}

func (s *captureSink) Publish(topic schema.Topic, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, topic)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureSink) snapshot() ([]schema.Topic, []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Topic(nil), s.messages...), append([]json.RawMessage(nil), s.payloads...)
}

func testExecutor(client *http.Client) *fetch.Executor {
	wide := ratelimit.Config{Capacity: 1000, RefillPerSec: 1000}
	return fetch.NewExecutor(fetch.Config{
		MaxConcurrent:  4,
		Retries:        0,
		AttemptTimeout: time.Second,
		Global:         wide,
		PerEndpoint:    wide,
	}, client)
}

func TestParseQuoteAcceptsStringAndNumericPrices(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"string price", `{"symbol":"AAPL","price":"187.32"}`, "187.32"},
		{"numeric price", `{"symbol":"AAPL","price":187.32}`, "187.32"},
		{"last fallback", `{"symbol":"AAPL","last":"186.01"}`, "186.01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := parseQuote("aapl", []byte(tc.body))
			if err != nil {
				t.Fatalf("parseQuote() error = %v", err)
			}
			if quote.Price.String() != tc.want {
				t.Fatalf("price = %s, want %s", quote.Price, tc.want)
			}
			if quote.Symbol != "AAPL" {
				t.Fatalf("symbol = %q, want AAPL", quote.Symbol)
			}
		})
	}
}

func TestParseQuoteRejectsGarbage(t *testing.T) {
	for _, body := range []string{`{}`, `{"price":"not a number"}`, `{"price":"-5"}`, `not json`} {
		if _, err := parseQuote("AAPL", []byte(body)); err == nil {
			t.Fatalf("parseQuote(%q) should fail", body)
		}
	}
}

func TestPollOncePublishesPerSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/aapl":
			fmt.Fprint(w, `{"price":"187.32","volume":"1200"}`)
		case "/msft":
			fmt.Fprint(w, `{"price":"429.10"}`)
		default:
			http.Error(w, "down", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	sink := new(captureSink)
	p := NewPoller(Config{
		Interval: time.Hour,
		Sources: []Source{
			{Symbol: "AAPL", URL: server.URL + "/aapl"},
			{Symbol: "BROKEN", URL: server.URL + "/broken"},
			{Symbol: "MSFT", URL: server.URL + "/msft"},
		},
	}, testExecutor(server.Client()), sink)

	p.pollOnce(context.Background())

	topics, payloads := sink.snapshot()
	if len(topics) != 2 {
		t.Fatalf("published %d messages, want 2 (broken source skipped)", len(topics))
	}
	seen := map[string]bool{}
	for i, topic := range topics {
		if topic.Kind != schema.KindMarketData {
			t.Fatalf("kind = %q, want market_data", topic.Kind)
		}
		seen[topic.Symbol] = true
		var quote Quote
		if err := json.Unmarshal(payloads[i], &quote); err != nil {
			t.Fatalf("payload decode: %v", err)
		}
		if quote.Price.IsZero() {
			t.Fatalf("quote %s has zero price", quote.Symbol)
		}
	}
	if !seen["AAPL"] || !seen["MSFT"] {
		t.Fatalf("published symbols = %v, want AAPL and MSFT", seen)
	}
}
