package broker

import (
	"testing"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

func TestRegistryResolveClosedSet(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(model.BrokerZerodha); !apperrors.Is(err, apperrors.ErrUnsupportedBroker) {
		t.Fatalf("empty registry: got %v, want unsupported broker", err)
	}

	r.Register(&UpstoxAdapter{})
	if _, err := r.Resolve(model.BrokerUpstox); err != nil {
		t.Fatalf("Resolve registered: %v", err)
	}
	if _, err := r.Resolve(model.Broker("robinhood")); !apperrors.Is(err, apperrors.ErrUnsupportedBroker) {
		t.Fatalf("unknown broker: got %v, want unsupported broker", err)
	}
}

func TestKiteOrderStatusMapping(t *testing.T) {
	cases := map[string]model.OrderStatus{
		"COMPLETE":        model.OrderComplete,
		"CANCELLED":       model.OrderCancelled,
		"CANCELLED AMO":   model.OrderCancelled,
		"REJECTED":        model.OrderRejected,
		"OPEN":            model.OrderOpen,
		"TRIGGER PENDING": model.OrderOpen,
	}
	for in, want := range cases {
		if got := mapKiteOrderStatus(in); got != want {
			t.Errorf("mapKiteOrderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAlpacaOrderStatusMapping(t *testing.T) {
	cases := map[string]model.OrderStatus{
		"filled":           model.OrderComplete,
		"canceled":         model.OrderCancelled,
		"expired":          model.OrderCancelled,
		"rejected":         model.OrderRejected,
		"new":              model.OrderOpen,
		"partially_filled": model.OrderOpen,
	}
	for in, want := range cases {
		if got := mapAlpacaOrderStatus(in); got != want {
			t.Errorf("mapAlpacaOrderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAngelAndUpstoxStatusMappingIsCaseInsensitive(t *testing.T) {
	if got := mapAngelOrderStatus("Complete"); got != model.OrderComplete {
		t.Errorf("mapAngelOrderStatus(Complete) = %s", got)
	}
	if got := mapAngelOrderStatus("trigger pending"); got != model.OrderOpen {
		t.Errorf("mapAngelOrderStatus(trigger pending) = %s", got)
	}
	if got := mapUpstoxOrderStatus("COMPLETE"); got != model.OrderComplete {
		t.Errorf("mapUpstoxOrderStatus(COMPLETE) = %s", got)
	}
	if got := mapUpstoxOrderStatus("cancelled after market order"); got != model.OrderCancelled {
		t.Errorf("mapUpstoxOrderStatus(cancelled amo) = %s", got)
	}
}

func TestNextISTCutoff(t *testing.T) {
	// 23:00 IST on Jan 1 → 06:00 IST Jan 2.
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, istZone)
	cutoff := nextISTCutoff(now, 6)
	want := time.Date(2026, 1, 2, 6, 0, 0, 0, istZone)
	if !cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", cutoff, want)
	}

	// 02:00 IST → 06:00 the same day.
	now = time.Date(2026, 1, 2, 2, 0, 0, 0, istZone)
	cutoff = nextISTCutoff(now, 6)
	if !cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", cutoff, want)
	}
}
