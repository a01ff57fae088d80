package pricing

import "time"

// AttributeRequest is the wire shape of a single period/hotel/room the
// caller wants a rate for.
type AttributeRequest struct {
	Period string `json:"period"`
	Hotel  string `json:"hotel"`
	Room   string `json:"room"`
}

// PricedAttribute is one attribute record paired with the upstream rate
// oracle's quote for it.
type PricedAttribute struct {
	Period string  `json:"period"`
	Hotel  string  `json:"hotel"`
	Room   string  `json:"room"`
	Rate   float64 `json:"rate"`
	Currency string `json:"currency"`
}

// QuoteRequest is the public request body for /pricing/quote.
type QuoteRequest struct {
	Attributes []AttributeRequest `json:"attributes"`
}

// QuoteResponse is the public response body for /pricing/quote.
type QuoteResponse struct {
	Prices []PricedAttribute `json:"prices"`
	Stale  bool              `json:"stale"`
}

// ProviderHealth mirrors the arbitrage-bot pricing package's health model,
// adapted to report the coalescing cache's breaker state instead of a raw
// upstream adapter's.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitState        string    `json:"circuit_state"`
}
