package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/candles"
)

func TestLoaderFetch(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"symbol":     r.URL.Query().Get("symbol"),
			"resolution": r.URL.Query().Get("resolution"),
			"from":       r.URL.Query().Get("from"),
			"to":         r.URL.Query().Get("to"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"s": "ok",
			"t": []int64{1727712000, 1727712060},
			"o": []float64{100, 103},
			"h": []float64{105, 104},
			"l": []float64{99, 102},
			"c": []float64{103, 104},
			"v": []float64{12.5, 3.25},
		})
	}))
	defer srv.Close()

	l := NewLoader(srv.URL, srv.Client(), zerolog.Nop())
	bars, err := l.Fetch(context.Background(), "Crypto.BTC/USD", candles.Res1m, 1727712000, 1727712120)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotQuery["symbol"] != "Crypto.BTC/USD" || gotQuery["resolution"] != "1" ||
		gotQuery["from"] != "1727712000" || gotQuery["to"] != "1727712120" {
		t.Errorf("query = %v", gotQuery)
	}

	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	first := bars[0]
	if first.TimestampMs != 1727712000000 || first.Open != 100 || first.High != 105 ||
		first.Low != 99 || first.Close != 103 || first.Volume != 12.5 {
		t.Errorf("first bar = %+v", first)
	}
}

func TestLoaderFetchNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"s": "no_data"})
	}))
	defer srv.Close()

	l := NewLoader(srv.URL, srv.Client(), zerolog.Nop())
	bars, err := l.Fetch(context.Background(), "Crypto.BTC/USD", candles.Res1m, 0, 100)
	if err != nil {
		t.Fatalf("no-data ranges must not error: %v", err)
	}
	if len(bars) != 0 {
		t.Fatalf("got %d bars, want 0", len(bars))
	}
}

func TestLoaderFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewLoader(srv.URL, srv.Client(), zerolog.Nop())
	if _, err := l.Fetch(context.Background(), "Crypto.BTC/USD", candles.Res1m, 0, 100); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestLoaderFetchRaggedArrays(t *testing.T) {
	// Defensive: a bar with fewer values in some arrays still parses.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"s": "ok",
			"t": []int64{1727712000},
			"o": []float64{100},
			"h": []float64{105},
			"l": []float64{99},
			"c": []float64{103},
			"v": []float64{},
		})
	}))
	defer srv.Close()

	l := NewLoader(srv.URL, srv.Client(), zerolog.Nop())
	bars, err := l.Fetch(context.Background(), "Crypto.BTC/USD", candles.Res1m, 0, 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(bars) != 1 || bars[0].Volume != 0 {
		t.Fatalf("bars = %+v", bars)
	}
}

func TestLoaderRange(t *testing.T) {
	l := NewLoader("http://example.invalid", nil, zerolog.Nop())
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	from, to := l.Range(candles.Res1m, 200)
	if to != fixed.Unix() {
		t.Errorf("to = %d, want %d", to, fixed.Unix())
	}
	if to-from != 200*60 {
		t.Errorf("window = %ds, want %d", to-from, 200*60)
	}

	// Weekly pages of 200 bars would span nearly four years; the window is
	// clamped to one year back.
	from, to = l.Range(candles.Res1w, 200)
	oneYearAgo := fixed.AddDate(-1, 0, 0).Unix()
	if from != oneYearAgo {
		t.Errorf("from = %d, want clamp to %d", from, oneYearAgo)
	}
}

func TestLoaderPrevRange(t *testing.T) {
	l := NewLoader("http://example.invalid", nil, zerolog.Nop())

	earliestMs := int64(1727712000000)
	from, to := l.PrevRange(candles.Res5m, earliestMs, 200)
	if to != 1727712000-1 {
		t.Errorf("to = %d, want %d", to, 1727712000-1)
	}
	if to-from != 200*300 {
		t.Errorf("window = %ds, want %d", to-from, 200*300)
	}
}
