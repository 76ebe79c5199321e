package schema

import (
	"testing"
)

func TestNewTopicNormalizes(t *testing.T) {
	topic := NewTopic(" market_data ", " aapl ")

	if topic.Kind != KindMarketData {
		t.Errorf("expected kind %q, got %q", KindMarketData, topic.Kind)
	}
	if topic.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %q", topic.Symbol)
	}
}

func TestTopicValidate(t *testing.T) {
	if err := NewTopic(KindSignals, "BTC-USD").Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := NewTopic("candles", "").Validate(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTopicString(t *testing.T) {
	if got := NewTopic(KindSystem, "").String(); got != "system" {
		t.Errorf("String() = %q, want system", got)
	}
	if got := NewTopic(KindMarketData, "AAPL").String(); got != "market_data:AAPL" {
		t.Errorf("String() = %q, want market_data:AAPL", got)
	}
}
