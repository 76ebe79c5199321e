// Package schema defines the canonical types exchanged across the distribution core.
package schema

import (
	"strings"

	"github.com/quantpulse/streamcore/errs"
)

// StreamKind identifies the class of data carried by a topic.
type StreamKind string

const (
	// KindMarketData carries ticker and quote updates.
	KindMarketData StreamKind = "market_data"
	// KindPositions carries account position snapshots.
	KindPositions StreamKind = "positions"
	// KindSignals carries computed signal events.
	KindSignals StreamKind = "signals"
	// KindSystem carries server-originated health and performance events.
	KindSystem StreamKind = "system"
)

// KnownKind reports whether the kind is one of the supported stream kinds.
func KnownKind(kind StreamKind) bool {
	switch kind {
	case KindMarketData, KindPositions, KindSignals, KindSystem:
		return true
	default:
		return false
	}
}

// Topic addresses an interest unit: a stream kind plus an optional symbol filter.
type Topic struct {
	Kind   StreamKind `json:"kind"`
	Symbol string     `json:"symbol,omitempty"`
}

// NewTopic builds a normalized topic from the provided kind and symbol.
func NewTopic(kind StreamKind, symbol string) Topic {
	return Topic{
		Kind:   StreamKind(strings.TrimSpace(string(kind))),
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// Validate checks that the topic names a known stream kind.
func (t Topic) Validate() error {
	if !KnownKind(t.Kind) {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("unknown stream kind: "+string(t.Kind)))
	}
	return nil
}

// Normalize returns the topic with whitespace trimmed and the symbol upper-cased.
func (t Topic) Normalize() Topic {
	return NewTopic(t.Kind, t.Symbol)
}

func (t Topic) String() string {
	if t.Symbol == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Symbol
}
