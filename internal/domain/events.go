package domain

import "time"

// Topic identifies an ordered event stream on the bus. Sequence numbers are
// assigned per topic, so ordering guarantees hold within a topic only.
type Topic string

const (
	TopicTicks      Topic = "ticks"
	TopicOrders     Topic = "orders"
	TopicExecutions Topic = "executions"
	TopicAccount    Topic = "account"
)

// TickField names a single market-data field on an instrument.
type TickField string

const (
	TickLast    TickField = "last"
	TickBid     TickField = "bid"
	TickAsk     TickField = "ask"
	TickBidSize TickField = "bid_size"
	TickAskSize TickField = "ask_size"
	TickVolume  TickField = "volume"
)

// MarketEvent is the closed union of broker-originated events. Every
// consumer switches over the concrete variants; adding a variant is a
// deliberate API change, not something the broker can smuggle in.
type MarketEvent interface {
	Topic() Topic
	EventTime() time.Time
}

// Tick is a single market-data field update for an instrument.
type Tick struct {
	Symbol string
	Field  TickField
	Value  float64
	At     time.Time
}

func (Tick) Topic() Topic           { return TopicTicks }
func (t Tick) EventTime() time.Time { return t.At }

// OrderStatusEvent reports a broker-side status change for an order. Either
// BrokerID or CorrelationID may be empty depending on how far the order got
// before the report was generated.
type OrderStatusEvent struct {
	BrokerID      string
	CorrelationID string
	Status        OrderState
	FilledQty     float64
	AvgFillPrice  float64
	Reason        string
	At            time.Time
}

func (OrderStatusEvent) Topic() Topic           { return TopicOrders }
func (e OrderStatusEvent) EventTime() time.Time { return e.At }

// Execution reports a (partial) fill. ExecID is broker-assigned and unique
// per fill, which makes executions safe to dedup downstream.
type Execution struct {
	BrokerID      string
	CorrelationID string
	ExecID        string
	Symbol        string
	Side          OrderSide
	Qty           float64
	Price         float64
	At            time.Time
}

func (Execution) Topic() Topic           { return TopicExecutions }
func (e Execution) EventTime() time.Time { return e.At }

// AccountUpdate reports a single account value (cash, buying power, ...)
// scoped to a currency.
type AccountUpdate struct {
	Key      AccountKey
	Value    float64
	Currency string
	At       time.Time
}

func (AccountUpdate) Topic() Topic           { return TopicAccount }
func (e AccountUpdate) EventTime() time.Time { return e.At }

// AccountKey names a recognized account value.
type AccountKey string

const (
	AccountCash        AccountKey = "cash"
	AccountMarginUsed  AccountKey = "margin_used"
	AccountBuyingPower AccountKey = "buying_power"
)

// Envelope is a MarketEvent stamped with its per-topic sequence number at
// bus ingress. Envelopes are immutable once published.
type Envelope struct {
	Seq   uint64
	Event MarketEvent
}
