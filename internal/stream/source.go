// Package stream multiplexes a single upstream trade-tick connection to any
// number of candle subscribers.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/observability"
)

// TickSource delivers trade ticks from an upstream streaming endpoint.
type TickSource interface {
	// Run blocks, invoking emit for every well-formed tick, until the stream
	// ends or ctx is cancelled. A nil error means the stream closed cleanly;
	// either way the caller decides whether to reconnect.
	Run(ctx context.Context, emit func(domain.TradeTick)) error
}

// tickRecord is the upstream wire format, one JSON object per line.
// Pointers distinguish absent fields; a record missing any field is skipped.
type tickRecord struct {
	ID *string  `json:"id"`
	P  *float64 `json:"p"`
	T  *int64   `json:"t"`
}

// HTTPTickSource reads newline-delimited JSON ticks from a long-lived HTTP
// response body.
type HTTPTickSource struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

var _ TickSource = (*HTTPTickSource)(nil)

// NewHTTPTickSource creates a tick source for the given streaming URL. A nil
// client falls back to a client without a global timeout, since the request
// is expected to stay open indefinitely.
func NewHTTPTickSource(url string, client *http.Client, log zerolog.Logger) *HTTPTickSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTickSource{url: url, client: client, log: log}
}

// Run connects to the streaming endpoint and emits ticks until the stream
// ends, an unrecoverable read error occurs, or ctx is cancelled.
func (s *HTTPTickSource) Run(ctx context.Context, emit func(domain.TradeTick)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	s.log.Info().Str("url", s.url).Msg("tick stream connected")

	if err := scanTicks(ctx, resp.Body, s.log, emit); err != nil {
		return err
	}

	s.log.Info().Msg("tick stream ended")
	return nil
}

// ReaderTickSource reads newline-delimited JSON ticks from an io.Reader,
// typically a capture file or stdin.
type ReaderTickSource struct {
	r   io.Reader
	log zerolog.Logger
}

var _ TickSource = (*ReaderTickSource)(nil)

// NewReaderTickSource creates a tick source over r.
func NewReaderTickSource(r io.Reader, log zerolog.Logger) *ReaderTickSource {
	return &ReaderTickSource{r: r, log: log}
}

// Run emits ticks until r is exhausted or ctx is cancelled.
func (s *ReaderTickSource) Run(ctx context.Context, emit func(domain.TradeTick)) error {
	return scanTicks(ctx, s.r, s.log, emit)
}

// scanTicks reads one JSON tick per line, skipping blank, unparseable and
// incomplete records.
func scanTicks(ctx context.Context, r io.Reader, log zerolog.Logger, emit func(domain.TradeTick)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec tickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			observability.RecordMalformedTick()
			log.Debug().Err(err).Msg("skipping unparseable tick line")
			continue
		}
		if rec.ID == nil || *rec.ID == "" || rec.P == nil || rec.T == nil {
			observability.RecordMalformedTick()
			continue
		}

		emit(domain.TradeTick{
			Channel:     *rec.ID,
			Price:       *rec.P,
			TimestampMs: *rec.T * 1000,
		})
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
