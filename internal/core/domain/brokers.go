package domain

import (
	"fmt"
	"strings"
	"time"
)

type BrokerID string

const (
	BrokerAngelOne BrokerID = "angelone"
	BrokerZerodha  BrokerID = "zerodha"
)

// Exchange is an exchange or segment code as used in instrument IDs.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE" // NSE cash
	ExchangeBSE Exchange = "BSE" // BSE cash
	ExchangeNFO Exchange = "NFO" // NSE F&O
	ExchangeBFO Exchange = "BFO" // BSE F&O
	ExchangeMCX Exchange = "MCX" // MCX commodities
	ExchangeCDS Exchange = "CDS" // NSE currency
	ExchangeNCO Exchange = "NCO" // NSE commodities
	ExchangeBCO Exchange = "BCO" // BSE commodities
	ExchangeBCD Exchange = "BCD" // BSE currency
)

// ExchangeTZName is the IANA zone all supported exchanges trade in.
const ExchangeTZName = "Asia/Kolkata"

// IST is a fixed +05:30 zone so parsing does not depend on tzdata being installed.
var IST = time.FixedZone("IST", 5*60*60+30*60)

var exchanges = map[Exchange]struct{}{
	ExchangeNSE: {}, ExchangeBSE: {}, ExchangeNFO: {}, ExchangeBFO: {}, ExchangeMCX: {},
	ExchangeCDS: {}, ExchangeNCO: {}, ExchangeBCO: {}, ExchangeBCD: {},
}

// Valid reports whether e is a known exchange code.
func (e Exchange) Valid() bool {
	_, ok := exchanges[e]
	return ok
}

// Location returns the trading timezone of the exchange.
func (e Exchange) Location() (*time.Location, string) {
	return IST, ExchangeTZName
}

// ParseInstrumentID splits "NSE:RELIANCE" into its exchange and symbol.
func ParseInstrumentID(id string) (Exchange, string, error) {
	exch, symbol, ok := strings.Cut(id, ":")
	if !ok || exch == "" || symbol == "" {
		return "", "", fmt.Errorf("instrument id %q is not EXCHANGE:SYMBOL", id)
	}
	e := Exchange(strings.ToUpper(exch))
	if !e.Valid() {
		return "", "", fmt.Errorf("unknown exchange %q", exch)
	}
	return e, strings.ToUpper(symbol), nil
}

// InstrumentID formats an exchange-qualified instrument id.
func InstrumentID(e Exchange, symbol string) string {
	return string(e) + ":" + strings.ToUpper(symbol)
}
