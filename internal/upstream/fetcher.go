package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"chartdata/internal/model"
)

const (
	defaultPageSize   = 500
	defaultMaxRetries = 3
)

// FetcherConfig tunes paging and retry behavior.
type FetcherConfig struct {
	PageSize   int
	MaxRetries int
	RateDelay  time.Duration // min delay between requests per instrument
}

// Fetcher retrieves closed time intervals of bars and metric points from the
// upstream, paging internally. Transient errors are retried with bounded
// attempts; FatalError (auth/rate) aborts the call immediately.
type Fetcher struct {
	client     *Client
	pageSize   int
	maxRetries int
	limiter    *RateLimiter
	log        *slog.Logger

	// OnPage, if set, is called once per fetched page (for metrics).
	OnPage func()

	// OnRetry, if set, is called before each retry of a failed page.
	OnRetry func()
}

// NewFetcher creates a Fetcher on top of an authenticated client.
func NewFetcher(client *Client, cfg FetcherConfig, log *slog.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Fetcher{
		client:     client,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		limiter:    NewRateLimiter(cfg.RateDelay),
		log:        log,
	}
}

type candlesResponse struct {
	Status  string     `json:"s"`
	ErrMsg  string     `json:"errmsg"`
	Candles [][]string `json:"candles"`
}

// FetchBars returns all bars in [from, to], ascending. The interval bounds
// are aligned timestamps in unix seconds.
func (f *Fetcher) FetchBars(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.Bar, error) {
	var bars []model.Bar
	step := res.Seconds()
	cursor := res.Align(from)

	for cursor <= to {
		var resp candlesResponse
		err := f.getPage(ctx, instrument, "/api/v1/candles", url.Values{
			"instrument": {instrument},
			"resolution": {string(res)},
			"from":       {strconv.FormatInt(cursor, 10)},
			"to":         {strconv.FormatInt(to, 10)},
			"limit":      {strconv.Itoa(f.pageSize)},
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Status == "error" {
			return nil, fmt.Errorf("upstream candles: %s", resp.ErrMsg)
		}
		if len(resp.Candles) == 0 {
			break
		}

		for _, row := range resp.Candles {
			bar, err := DecodeBarRow(instrument, res, row)
			if err != nil {
				f.log.Warn("skipping malformed upstream candle",
					slog.String("instrument", instrument), slog.Any("error", err))
				continue
			}
			if bar.TS < from || bar.TS > to {
				continue
			}
			bars = append(bars, bar)
		}

		// A short page means the upstream has no more data in range.
		if len(resp.Candles) < f.pageSize {
			break
		}
		last, err := strconv.ParseInt(resp.Candles[len(resp.Candles)-1][0], 10, 64)
		if err != nil || last < cursor {
			break
		}
		cursor = last + step
	}

	return bars, nil
}

type metricResponse struct {
	Status string      `json:"s"`
	ErrMsg string      `json:"errmsg"`
	Data   []metricRow `json:"data"`
}

// FetchMetric returns all open-interest points in [from, to], ascending.
func (f *Fetcher) FetchMetric(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.MetricPoint, error) {
	var points []model.MetricPoint
	step := res.Seconds()
	cursor := res.Align(from)

	for cursor <= to {
		var resp metricResponse
		err := f.getPage(ctx, instrument, "/api/v1/openinterest", url.Values{
			"instrument": {instrument},
			"resolution": {string(res)},
			"from":       {strconv.FormatInt(cursor, 10)},
			"to":         {strconv.FormatInt(to, 10)},
			"limit":      {strconv.Itoa(f.pageSize)},
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Status == "error" {
			return nil, fmt.Errorf("upstream openinterest: %s", resp.ErrMsg)
		}
		if len(resp.Data) == 0 {
			break
		}

		for _, row := range resp.Data {
			p, err := DecodeMetricRow(instrument, res, row)
			if err != nil {
				f.log.Warn("skipping malformed upstream oi sample",
					slog.String("instrument", instrument), slog.Any("error", err))
				continue
			}
			if p.TS < from || p.TS > to {
				continue
			}
			points = append(points, p)
		}

		if len(resp.Data) < f.pageSize {
			break
		}
		last := resp.Data[len(resp.Data)-1].TS
		if last < cursor {
			break
		}
		cursor = last + step
	}

	return points, nil
}

// getPage performs one paged request with rate limiting and bounded retry.
func (f *Fetcher) getPage(ctx context.Context, instrument, path string, q url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := f.limiter.Wait(ctx, instrument); err != nil {
			return err
		}
		err := f.client.getJSON(ctx, path, q, out)
		if err == nil {
			if f.OnPage != nil {
				f.OnPage()
			}
			return nil
		}
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		f.log.Warn("upstream page fetch failed",
			slog.String("path", path), slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt < f.maxRetries && f.OnRetry != nil {
			f.OnRetry()
		}

		backoff := time.Duration(attempt) * 500 * time.Millisecond
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("upstream fetch exhausted %d attempts: %w", f.maxRetries, lastErr)
}
