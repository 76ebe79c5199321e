// Package feed hosts the quote poller that turns upstream HTTP quote
// endpoints into market_data stream messages.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantpulse/streamcore/errs"
	"github.com/quantpulse/streamcore/internal/fetch"
	"github.com/quantpulse/streamcore/internal/observability"
	"github.com/quantpulse/streamcore/internal/schema"
	"github.com/quantpulse/streamcore/internal/supervisor"
)

// Publisher is the sink for polled quotes. *broadcast.Server satisfies it.
type Publisher interface {
	Publish(topic schema.Topic, payload json.RawMessage) error
}

// Source names one upstream quote endpoint.
type Source struct {
	// Symbol is the instrument the endpoint quotes.
	Symbol string `yaml:"symbol"`
	// URL returns a JSON document containing price and optional volume fields.
	URL string `yaml:"url"`
}

// Config tunes the poller.
type Config struct {
	// Interval is the poll cadence across all sources.
	Interval time.Duration `yaml:"interval"`
	// Sources lists the endpoints polled each cycle.
	Sources []Source `yaml:"sources"`
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// Quote is the normalized outbound payload published on market_data topics.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	FetchedAt float64         `json:"fetchedAt"`
}

// upstreamQuote tolerates the common upstream shapes: numeric or string
// prices under a handful of field names.
type upstreamQuote struct {
	Symbol string          `json:"symbol"`
	Price  json.RawMessage `json:"price"`
	Last   json.RawMessage `json:"last"`
	Volume json.RawMessage `json:"volume"`
}

// Poller fetches quotes from every configured source each interval and
// publishes them. One bad source logs and skips; the cycle continues.
type Poller struct {
	cfg  Config
	exec *fetch.Executor
	sink Publisher
}

// NewPoller constructs a poller over the given executor and sink.
func NewPoller(cfg Config, exec *fetch.Executor, sink Publisher) *Poller {
	p := new(Poller)
	p.cfg = cfg.normalize()
	p.exec = exec
	p.sink = sink
	return p
}

// Start registers the poll loop with the supervisor under the given name.
func (p *Poller) Start(sup *supervisor.Supervisor, name string) error {
	if len(p.cfg.Sources) == 0 {
		return errs.New("feed", errs.CodeInvalid, errs.WithMessage("no sources configured"))
	}
	_, err := sup.Spawn(name, p.run, nil)
	return err
}

func (p *Poller) run(ctx context.Context, handle *supervisor.Handle) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			handle.Heartbeat()
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	targets := make([]fetch.Target, len(p.cfg.Sources))
	for i, source := range p.cfg.Sources {
		targets[i] = fetch.Target{URL: source.URL}
	}

	results := p.exec.FetchBatch(ctx, targets)
	for i, result := range results {
		source := p.cfg.Sources[i]
		if result.Err != nil {
			observability.Log().Info("quote fetch failed",
				observability.Field{Key: "symbol", Value: source.Symbol},
				observability.Field{Key: "error", Value: result.Err.Error()})
			continue
		}
		quote, err := parseQuote(source.Symbol, result.Response.Body)
		if err != nil {
			observability.Log().Info("quote parse failed",
				observability.Field{Key: "symbol", Value: source.Symbol},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		payload, err := json.Marshal(quote)
		if err != nil {
			continue
		}
		topic := schema.NewTopic(schema.KindMarketData, quote.Symbol)
		if err := p.sink.Publish(topic, payload); err != nil {
			observability.Log().Error("quote publish failed",
				observability.Field{Key: "symbol", Value: quote.Symbol},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

// parseQuote normalizes an upstream quote document. Prices arrive as numbers
// or strings depending on the vendor; decimal parsing accepts both without
// losing precision to float rounding.
func parseQuote(symbol string, body []byte) (*Quote, error) {
	var raw upstreamQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	priceField := raw.Price
	if len(priceField) == 0 {
		priceField = raw.Last
	}
	price, err := parseDecimal(priceField)
	if err != nil {
		return nil, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("negative price for %s: %s", symbol, price)
	}

	quote := &Quote{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Price:     price,
		FetchedAt: schema.UnixSeconds(time.Now()),
	}
	if quote.Symbol == "" {
		quote.Symbol = strings.ToUpper(strings.TrimSpace(raw.Symbol))
	}
	if len(raw.Volume) > 0 {
		if volume, err := parseDecimal(raw.Volume); err == nil {
			quote.Volume = volume
		}
	}
	return quote, nil
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Zero, fmt.Errorf("missing value")
	}
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return decimal.Zero, fmt.Errorf("empty value")
	}
	return decimal.NewFromString(text)
}
