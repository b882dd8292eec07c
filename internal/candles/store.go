// Package candles keeps the per-pair OHLC series built from historical
// batches and live ticks.
package candles

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"price_feed/internal/models"
)

var (
	ErrEmptyHistoricalBatch = errors.New("empty historical batch")
	ErrMalformedBatch       = errors.New("malformed historical batch")
	ErrInvalidPrice         = errors.New("invalid price")
)

// ReversalLookup reports whether a pair's wire quote is the reciprocal of
// the display quote.
type ReversalLookup interface {
	IsReversed(pair models.PairID) bool
}

type series struct {
	candles []models.Candle
	index   map[models.TimeKey]int
}

// Store is the only owner of candle series. Writes must come from a single
// goroutine in arrival order; reads are safe from anywhere.
type Store struct {
	pairs ReversalLookup

	mu     sync.RWMutex
	series map[models.PairID]*series
}

func NewStore(pairs ReversalLookup) *Store {
	return &Store{
		pairs:  pairs,
		series: make(map[models.PairID]*series),
	}
}

// MergeHistorical upserts one candle per time key. Replaying the same batch
// leaves the series unchanged.
func (s *Store) MergeHistorical(pair models.PairID, times []models.TimeKey, quads []models.Quad) error {
	if len(times) == 0 {
		return errors.Wrapf(ErrEmptyHistoricalBatch, "pair %s", pair)
	}
	if len(quads) != len(times) {
		return errors.Wrapf(ErrMalformedBatch, "pair %s: %d time keys, %d quads", pair, len(times), len(quads))
	}

	reversed := s.pairs.IsReversed(pair)

	// build everything first so a bad row leaves the series untouched
	built := make([]models.Candle, len(times))
	for i, t := range times {
		c, err := historicalCandle(t, quads[i], reversed)
		if err != nil {
			return errors.Wrapf(err, "pair %s at %s", pair, t)
		}
		built[i] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ser := s.seriesFor(pair)
	for _, c := range built {
		if i, ok := ser.index[c.Time]; ok {
			ser.candles[i] = c
			continue
		}
		ser.index[c.Time] = len(ser.candles)
		ser.candles = append(ser.candles, c)
	}
	return nil
}

// MergeLiveTick folds one live value into the bucket at t. Ticks for a pair
// without history are dropped. Ticks must be applied in arrival order:
// re-applying an old tick widens high/low.
func (s *Store) MergeLiveTick(pair models.PairID, t models.TimeKey, raw float64) error {
	value, err := effective(raw, s.pairs.IsReversed(pair))
	if err != nil {
		return errors.Wrapf(err, "pair %s at %s", pair, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[pair]
	if !ok || len(ser.candles) == 0 {
		return nil
	}

	if i, ok := ser.index[t]; ok {
		c := &ser.candles[i]
		c.Close = value
		c.High = math.Max(c.High, value)
		c.Low = math.Min(c.Low, value)
		c.IsHistorical = false
		return nil
	}

	// new bucket: freeze the previous one
	ser.candles[len(ser.candles)-1].IsHistorical = true

	// NOTE: the new bucket is appended as historical as well; the first
	// in-bucket tick flips it to live.
	ser.index[t] = len(ser.candles)
	ser.candles = append(ser.candles, models.Candle{
		Time:         t,
		Open:         value,
		High:         value,
		Low:          value,
		Close:        value,
		IsHistorical: true,
	})
	return nil
}

// Series returns a copy of the pair's candles in insertion order.
func (s *Store) Series(pair models.PairID) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[pair]
	if !ok {
		return nil
	}
	out := make([]models.Candle, len(ser.candles))
	copy(out, ser.candles)
	return out
}

func (s *Store) Len(pair models.PairID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ser, ok := s.series[pair]; ok {
		return len(ser.candles)
	}
	return 0
}

// Pairs returns every pair that has at least one candle, sorted.
func (s *Store) Pairs() []models.PairID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PairID, 0, len(s.series))
	for p, ser := range s.series {
		if len(ser.candles) > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) seriesFor(pair models.PairID) *series {
	ser, ok := s.series[pair]
	if !ok {
		ser = &series{index: make(map[models.TimeKey]int)}
		s.series[pair] = ser
	}
	return ser
}

func historicalCandle(t models.TimeKey, q models.Quad, reversed bool) (models.Candle, error) {
	var vals models.Quad
	for i, raw := range q {
		v, err := effective(raw, reversed)
		if err != nil {
			return models.Candle{}, err
		}
		vals[i] = v
	}

	c := models.Candle{
		Time:         t,
		Open:         vals.Open(),
		High:         vals.High(),
		Low:          vals.Low(),
		Close:        vals.Close(),
		IsHistorical: true,
	}
	if reversed {
		// 1/x flips ordering: the smallest raw value is the new high
		c.High, c.Low = vals.Low(), vals.High()
	}

	// upstream rows are not always self-consistent
	c.High = math.Max(c.High, math.Max(c.Open, c.Close))
	c.Low = math.Min(c.Low, math.Min(c.Open, c.Close))
	return c, nil
}

func effective(raw float64, reversed bool) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, errors.Wrapf(ErrInvalidPrice, "%v", raw)
	}
	if !reversed {
		return raw, nil
	}
	if raw <= 0 {
		return 0, errors.Wrapf(ErrInvalidPrice, "cannot reverse %v", raw)
	}
	return 1 / raw, nil
}
