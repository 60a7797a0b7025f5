package domain

// TradeTick is a single trade notification from the upstream streaming
// endpoint. The wire format is one JSON object per line:
//
//	{"id": "Crypto.BTC/USD", "p": 64231.5, "t": 1727712000}
//
// Records missing any of the three fields are skipped by the reader.
type TradeTick struct {
	Channel     string  // channel key, identifies the symbol
	Price       float64 // trade price
	TimestampMs int64   // trade time, Unix milliseconds
}
