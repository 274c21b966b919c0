// Package pricefeed polls quotes on an interval, rate-limits the upstream
// calls and fans prices out on the event bus. Consumers that only need the
// latest quote read the cache instead of subscribing.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfu/ibot/internal/eventbus"
	"github.com/quantfu/ibot/internal/market"
)

// Quoter is the slice of the brokerage the feed needs.
type Quoter interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Quote is the PriceUpdated payload.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Feed polls one instrument.
type Feed struct {
	quoter   Quoter
	cal      market.Calendar
	bus      *eventbus.Bus
	l        *zap.Logger
	limiter  *rate.Limiter
	symbol   string
	interval time.Duration

	mu     sync.RWMutex
	last   decimal.Decimal
	lastAt time.Time
}

func New(q Quoter, cal market.Calendar, bus *eventbus.Bus, symbol string, interval time.Duration, l *zap.Logger) *Feed {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Feed{
		quoter:   q,
		cal:      cal,
		bus:      bus,
		l:        l,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		symbol:   symbol,
		interval: interval,
	}
}

// Run polls until the context is cancelled. Quotes are only fetched while
// the exchange is in some session; overnight the feed idles.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if f.cal.Session(now) == market.SessionClosed {
				continue
			}
			if err := f.Refresh(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				f.l.Warn("price poll failed", zap.String("symbol", f.symbol), zap.Error(err))
			}
		}
	}
}

// Refresh fetches one quote immediately, honoring the rate limit.
func (f *Feed) Refresh(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	price, err := f.quoter.GetCurrentPrice(ctx, f.symbol)
	if err != nil {
		return errors.Wrapf(err, "quote %s", f.symbol)
	}

	now := time.Now()
	f.mu.Lock()
	f.last = price
	f.lastAt = now
	f.mu.Unlock()

	f.bus.Publish(eventbus.Event{
		Type:    eventbus.PriceUpdated,
		Symbol:  f.symbol,
		Payload: Quote{Symbol: f.symbol, Price: price, At: now},
	})
	return nil
}

// Last returns the cached quote; ok is false before the first fetch.
func (f *Feed) Last() (decimal.Decimal, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.lastAt, !f.lastAt.IsZero()
}
