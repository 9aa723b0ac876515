package domain

import "testing"

func TestOrderStateIsTerminal(t *testing.T) {
	terminal := []OrderState{OrderFilled, OrderCancelled, OrderRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	open := []OrderState{
		OrderStateIntent, OrderSubmitted, OrderAcknowledged,
		OrderPartiallyFilled, OrderPendingReconfirm,
	}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestOrderStateTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderState
		ok       bool
	}{
		// Happy path.
		{OrderStateIntent, OrderSubmitted, true},
		{OrderSubmitted, OrderAcknowledged, true},
		{OrderAcknowledged, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderAcknowledged, OrderFilled, true},

		// Acknowledged cannot be skipped.
		{OrderStateIntent, OrderAcknowledged, false},
		{OrderSubmitted, OrderFilled, false},
		{OrderSubmitted, OrderPartiallyFilled, false},

		// Cancellation and rejection from open states.
		{OrderSubmitted, OrderRejected, true},
		{OrderAcknowledged, OrderCancelled, true},
		{OrderPartiallyFilled, OrderCancelled, true},

		// Terminal states are sticky.
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderFilled, false},
		{OrderRejected, OrderSubmitted, false},
		{OrderFilled, OrderPendingReconfirm, false},

		// No lifecycle runs backwards.
		{OrderAcknowledged, OrderSubmitted, false},
		{OrderPartiallyFilled, OrderAcknowledged, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPendingReconfirmReachability(t *testing.T) {
	// Any non-terminal order may be parked during a reconnect.
	for _, s := range []OrderState{
		OrderStateIntent, OrderSubmitted, OrderAcknowledged, OrderPartiallyFilled,
	} {
		if !s.CanTransition(OrderPendingReconfirm) {
			t.Errorf("CanTransition(%s -> pending_reconfirm) = false, want true", s)
		}
	}

	// The broker is authoritative on resolution: anything but a fresh intent.
	for _, next := range []OrderState{
		OrderSubmitted, OrderAcknowledged, OrderPartiallyFilled,
		OrderFilled, OrderCancelled, OrderRejected,
	} {
		if !OrderPendingReconfirm.CanTransition(next) {
			t.Errorf("CanTransition(pending_reconfirm -> %s) = false, want true", next)
		}
	}
	if OrderPendingReconfirm.CanTransition(OrderStateIntent) {
		t.Error("CanTransition(pending_reconfirm -> intent) = true, want false")
	}
}
