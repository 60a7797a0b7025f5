// Package history fetches bucketed OHLC history from the backend chart
// endpoint and prepares it for merging with live data.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/observability"
)

// DefaultPageBars is how many bars one fetch requests by default.
const DefaultPageBars = 200

// historyResponse is the endpoint's parallel-array payload. Any status
// other than "ok" means "no data for the range", not a failure.
type historyResponse struct {
	Status string    `json:"s"`
	T      []int64   `json:"t"`
	O      []float64 `json:"o"`
	H      []float64 `json:"h"`
	L      []float64 `json:"l"`
	C      []float64 `json:"c"`
	V      []float64 `json:"v"`
}

// Loader fetches OHLC history pages.
type Loader struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	now     func() time.Time
}

// NewLoader creates a Loader against the given endpoint base URL. A nil
// client gets a 30s-timeout default.
func NewLoader(baseURL string, client *http.Client, log zerolog.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{baseURL: baseURL, client: client, log: log, now: time.Now}
}

// Fetch loads the bars for symbol at the given resolution between from and
// to (Unix seconds, inclusive). A range the endpoint has no data for
// returns an empty slice and no error. Bars come back sorted by timestamp.
func (l *Loader) Fetch(ctx context.Context, symbol string, resolution candles.Resolution, from, to int64) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("resolution", string(resolution))
	q.Set("from", fmt.Sprintf("%d", from))
	q.Set("to", fmt.Sprintf("%d", to))

	reqURL := l.baseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		observability.RecordHistoryFetch(string(resolution), time.Since(start).Seconds(), 0, err)
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("history status %d", resp.StatusCode)
		observability.RecordHistoryFetch(string(resolution), time.Since(start).Seconds(), 0, err)
		return nil, err
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		observability.RecordHistoryFetch(string(resolution), time.Since(start).Seconds(), 0, err)
		return nil, fmt.Errorf("decode history: %w", err)
	}

	if payload.Status != "ok" {
		l.log.Debug().Str("symbol", symbol).Str("status", payload.Status).
			Msg("history endpoint returned no data")
		observability.RecordHistoryFetch(string(resolution), time.Since(start).Seconds(), 0, nil)
		return nil, nil
	}

	bars := make([]domain.Candle, 0, len(payload.T))
	for i, ts := range payload.T {
		c := domain.Candle{TimestampMs: ts * 1000}
		if i < len(payload.O) {
			c.Open = payload.O[i]
		}
		if i < len(payload.H) {
			c.High = payload.H[i]
		}
		if i < len(payload.L) {
			c.Low = payload.L[i]
		}
		if i < len(payload.C) {
			c.Close = payload.C[i]
		}
		if i < len(payload.V) {
			c.Volume = payload.V[i]
		}
		bars = append(bars, c)
	}

	observability.RecordHistoryFetch(string(resolution), time.Since(start).Seconds(), len(bars), nil)
	return bars, nil
}

// Range returns the from/to window (Unix seconds) covering numBars recent
// bars at the given resolution, clamped so it never reaches back more than
// one year.
func (l *Loader) Range(resolution candles.Resolution, numBars int) (from, to int64) {
	if numBars <= 0 {
		numBars = DefaultPageBars
	}
	now := l.now()
	to = now.Unix()
	from = to - resolution.Seconds()*int64(numBars)

	oneYearAgo := now.AddDate(-1, 0, 0).Unix()
	if from < oneYearAgo {
		from = oneYearAgo
	}
	return from, to
}

// PrevRange returns the window for the page of numBars bars ending just
// before earliestMs (the oldest already-loaded bar, Unix milliseconds).
func (l *Loader) PrevRange(resolution candles.Resolution, earliestMs int64, numBars int) (from, to int64) {
	if numBars <= 0 {
		numBars = DefaultPageBars
	}
	to = earliestMs/1000 - 1
	from = to - resolution.Seconds()*int64(numBars)
	return from, to
}
