// Package gasprice fetches the "fastest" gas price from an ethgasstation
// compatible endpoint, cached and rate limited so a burst of firing timers
// costs one request.
package gasprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	logx "execbot/pkg/logx"
)

var (
	ErrDisabled    = errors.New("gas oracle disabled")
	ErrRateLimited = errors.New("gas oracle rate limited")
)

type Config struct {
	URL         string
	Timeout     time.Duration
	RatePerMin  int
	CacheMaxAge time.Duration
}

type Oracle struct {
	url    string
	hc     *http.Client
	lim    *rate.Limiter
	maxAge time.Duration
	log    logx.Logger
	sf     singleflight.Group
	now    func() time.Time

	mu     sync.Mutex
	price  *big.Int
	priced time.Time
}

func New(cfg Config, log logx.Logger) *Oracle {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = time.Minute
	}
	return &Oracle{
		url:    strings.TrimSpace(cfg.URL),
		hc:     &http.Client{Timeout: cfg.Timeout},
		lim:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 1),
		maxAge: cfg.CacheMaxAge,
		log:    log.With(logx.String("comp", "gasprice")),
		now:    time.Now,
	}
}

// Fast returns the fastest price in wei. A fresh cached value is returned
// without a request; when the limiter refuses a request a stale cached value
// is still preferred over an error.
func (o *Oracle) Fast(ctx context.Context) (*big.Int, error) {
	if o == nil || o.url == "" {
		return nil, ErrDisabled
	}
	o.mu.Lock()
	cached, at := o.price, o.priced
	o.mu.Unlock()
	if cached != nil && o.now().Sub(at) < o.maxAge {
		return new(big.Int).Set(cached), nil
	}
	if !o.lim.Allow() {
		if cached != nil {
			return new(big.Int).Set(cached), nil
		}
		return nil, ErrRateLimited
	}

	v, err, _ := o.sf.Do("fast", func() (any, error) { return o.fetch(ctx) })
	if err != nil {
		if cached != nil {
			o.log.Warn("gas oracle failed; using cached price", logx.Err(err), logx.Time("cached_at", at))
			return new(big.Int).Set(cached), nil
		}
		return nil, err
	}
	p := v.(*big.Int)
	o.mu.Lock()
	o.price, o.priced = p, o.now()
	o.mu.Unlock()
	return new(big.Int).Set(p), nil
}

// ethgasstation reports prices in tenths of a gwei.
type stationResponse struct {
	Fastest float64 `json:"fastest"`
	Fast    float64 `json:"fast"`
}

func (o *Oracle) fetch(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gas oracle request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gas oracle status %d", resp.StatusCode)
	}
	var out stationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return nil, fmt.Errorf("gas oracle decode: %w", err)
	}
	tenths := out.Fastest
	if tenths <= 0 {
		tenths = out.Fast
	}
	if tenths <= 0 {
		return nil, fmt.Errorf("gas oracle returned no price")
	}
	// tenths of gwei -> wei
	wei, _ := new(big.Float).Mul(big.NewFloat(tenths), big.NewFloat(1e8)).Int(nil)
	o.log.Debug("gas price fetched", logx.String("wei", wei.String()))
	return wei, nil
}
