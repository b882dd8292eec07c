package service

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"price_feed/internal/candles"
	"price_feed/internal/models"
)

// TickListener is told when a frame has been applied.
type TickListener interface {
	TouchTick(t time.Time)
}

// Coordinator routes decoded frames from the manager into the candle store
// and exposes the subscription surface to the rest of the app.
type Coordinator struct {
	manager *Manager
	store   *candles.Store
	pairs   PairResolver
	log     *zap.Logger
	ticks   TickListener

	ratesMu sync.RWMutex
	rates   map[models.PairID]float64
}

func NewCoordinator(manager *Manager, store *candles.Store, pairs PairResolver, log *zap.Logger, ticks TickListener) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		manager: manager,
		store:   store,
		pairs:   pairs,
		log:     log.Named("coordinator"),
		ticks:   ticks,
		rates:   make(map[models.PairID]float64),
	}
}

// Run applies frames until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	frames := c.manager.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if err := c.Apply(ctx, f); err != nil {
				c.log.Warn("frame not fully applied", zap.Error(err))
			}
		}
	}
}

// Apply decodes one frame and merges every pair it carries. A pair that
// fails to merge does not stop the others.
func (c *Coordinator) Apply(ctx context.Context, f Frame) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "price_feed.apply")
	defer span.Finish()

	msg, err := DecodeFrame(f.Data, f.ReceivedAt)
	if err != nil {
		ext.Error.Set(span, true)
		span.SetTag("frame.size", len(f.Data))
		return err
	}
	span.SetTag("message.kind", msg.Kind.String())

	switch msg.Kind {
	case models.KindHistorical:
		err = c.applyBatch(msg.Batch)
	case models.KindLive:
		err = c.applyTick(msg.Tick)
	}
	if err != nil {
		ext.Error.Set(span, true)
	}

	if c.ticks != nil {
		c.ticks.TouchTick(msg.ReceivedAt)
	}
	return err
}

func (c *Coordinator) applyBatch(b *models.HistoricalBatch) error {
	latest := latestIndex(b.Times)

	var errs error
	for _, pair := range b.Pairs() {
		quads := b.PerPair[pair]
		if err := c.store.MergeHistorical(pair, b.Times, quads); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if latest >= 0 && latest < len(quads) {
			c.setRate(pair, quads[latest].Close())
		}
	}

	c.log.Debug("historical batch applied", zap.Int("times", len(b.Times)), zap.Int("pairs", len(b.PerPair)))
	return errs
}

func (c *Coordinator) applyTick(t *models.LiveTick) error {
	var errs error
	for _, pair := range t.Pairs() {
		v := t.PerPair[pair]
		if err := c.store.MergeLiveTick(pair, t.Time, v); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.setRate(pair, v)
	}
	return errs
}

func (c *Coordinator) setRate(pair models.PairID, v float64) {
	c.ratesMu.Lock()
	c.rates[pair] = v
	c.ratesMu.Unlock()
}

// Rate returns the last quoted wire price of pair.
func (c *Coordinator) Rate(pair models.PairID) (float64, bool) {
	c.ratesMu.RLock()
	defer c.ratesMu.RUnlock()
	v, ok := c.rates[pair]
	return v, ok
}

func (c *Coordinator) Rates() map[models.PairID]float64 {
	c.ratesMu.RLock()
	defer c.ratesMu.RUnlock()

	out := make(map[models.PairID]float64, len(c.rates))
	for k, v := range c.rates {
		out[k] = v
	}
	return out
}

func (c *Coordinator) Series(pair models.PairID) []models.Candle {
	return c.store.Series(pair)
}

// CandleCounts returns the series length of every pair that has candles.
func (c *Coordinator) CandleCounts() map[models.PairID]int {
	pairs := c.store.Pairs()
	out := make(map[models.PairID]int, len(pairs))
	for _, p := range pairs {
		out[p] = c.store.Len(p)
	}
	return out
}

func (c *Coordinator) Tracked() []models.PairID {
	return c.manager.Tracked()
}

// SeriesFor resolves symbol and returns its candles.
func (c *Coordinator) SeriesFor(symbol string) ([]models.Candle, error) {
	pair, err := c.pairs.Resolve(symbol)
	if err != nil {
		return nil, errors.WithMessage(err, "series")
	}
	return c.store.Series(pair), nil
}

func (c *Coordinator) Subscribe(symbol string, opts Options) (Handle, error) {
	return c.manager.Subscribe(symbol, opts)
}

func (c *Coordinator) Unsubscribe(symbol string) (Handle, error) {
	return c.manager.Unsubscribe(symbol)
}

func (c *Coordinator) SubscribeMany(symbols []string, opts Options) (Handle, error) {
	return c.manager.SubscribeMany(symbols, opts)
}

func (c *Coordinator) UnsubscribeMany(symbols []string) (Handle, error) {
	return c.manager.UnsubscribeMany(symbols)
}

func (c *Coordinator) CloseConnection() error {
	return c.manager.CloseConnection()
}
