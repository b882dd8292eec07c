package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price_feed/internal/candles"
	"price_feed/internal/catalog"
	"price_feed/internal/models"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *testRig) {
	t.Helper()

	r := newTestRig(t)
	cat := testCatalog(t)
	c := NewCoordinator(r.m, candles.NewStore(cat), cat, nil, r.listener)
	return c, r
}

func frame(s string) Frame {
	return Frame{Data: []byte(s), ReceivedAt: fixedNow}
}

func TestCoordinator_HistoricalThenLive(t *testing.T) {
	c, r := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, frame(`{
		"t": ["2024-01-01", "2024-01-02"],
		"EURUSD": [[1.10, 1.20, 1.00, 1.15], [1.15, 1.25, 1.10, 1.20]]
	}`)))

	rate, ok := c.Rate("EURUSD")
	require.True(t, ok)
	assert.Equal(t, 1.20, rate)

	require.NoError(t, c.Apply(ctx, frame(`{"t":"2024-01-02","EURUSD":1.30}`)))
	series := c.Series("EURUSD")
	require.Len(t, series, 2)
	assert.Equal(t, models.Candle{
		Time: "2024-01-02", Open: 1.15, High: 1.30, Low: 1.10, Close: 1.30, IsHistorical: false,
	}, series[1])

	// unix seconds for 2024-01-03 opens a new bucket
	require.NoError(t, c.Apply(ctx, frame(`{"t":1704240000,"EURUSD":1.31}`)))
	series = c.Series("EURUSD")
	require.Len(t, series, 3)
	assert.Equal(t, models.TimeKey("2024-01-03"), series[2].Time)
	assert.True(t, series[1].IsHistorical)

	rate, _ = c.Rate("EURUSD")
	assert.Equal(t, 1.31, rate)
	assert.Equal(t, 3, r.listener.tickCount())
}

func TestCoordinator_ReversedRateIsRawWireValue(t *testing.T) {
	c, _ := newTestCoordinator(t)

	require.NoError(t, c.Apply(context.Background(), frame(`{
		"t": ["2024-01-02", "2024-01-01"],
		"USDCHF": [[0.92, 0.96, 0.90, 0.94], [0.90, 0.95, 0.85, 0.92]]
	}`)))

	rate, ok := c.Rate("USDCHF")
	require.True(t, ok)
	assert.Equal(t, 0.94, rate, "close at the latest time key")

	series := c.Series("USDCHF")
	require.Len(t, series, 2)
	assert.InDelta(t, 1/0.94, series[0].Close, 1e-12)
	assert.InDelta(t, 1/0.90, series[0].High, 1e-12)
	assert.InDelta(t, 1/0.96, series[0].Low, 1e-12)
}

func TestCoordinator_TickBeforeHistoryIsDropped(t *testing.T) {
	c, _ := newTestCoordinator(t)

	require.NoError(t, c.Apply(context.Background(), frame(`{"t":"2024-01-02","XAUUSD":2050.5}`)))
	assert.Empty(t, c.Series("XAUUSD"))

	rate, ok := c.Rate("XAUUSD")
	assert.True(t, ok)
	assert.Equal(t, 2050.5, rate)
}

func TestCoordinator_PartialFailure(t *testing.T) {
	c, _ := newTestCoordinator(t)

	err := c.Apply(context.Background(), frame(`{
		"t": ["2024-01-01"],
		"EURUSD": [[1.10, 1.20, 1.00, 1.15]],
		"USDCHF": [[0.92, 0.96, 0.90, 0.94], [0.90, 0.95, 0.85, 0.92]]
	}`))
	assert.ErrorIs(t, err, candles.ErrMalformedBatch)

	assert.Len(t, c.Series("EURUSD"), 1)
	assert.Empty(t, c.Series("USDCHF"))
	_, ok := c.Rate("USDCHF")
	assert.False(t, ok)
}

func TestCoordinator_Errors(t *testing.T) {
	c, r := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Apply(ctx, frame(`{"t":[],"EURUSD":[]}`))
	assert.ErrorIs(t, err, candles.ErrEmptyHistoricalBatch)

	err = c.Apply(ctx, frame(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, 1, r.listener.tickCount(), "undecodable frames are not ticks")

	_, err = c.SeriesFor("jNOPE")
	assert.ErrorIs(t, err, catalog.ErrUnknownSymbol)
}

func TestCoordinator_RatesIsACopy(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Apply(context.Background(), frame(`{"t":"2024-01-02","EURUSD":1.2}`)))

	rates := c.Rates()
	rates["EURUSD"] = 99
	rate, _ := c.Rate("EURUSD")
	assert.Equal(t, 1.2, rate)
}

func TestCoordinator_RunAppliesFramesFromTheStream(t *testing.T) {
	c, r := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	_, err := c.Subscribe("jGBP", Options{IncludeHistory: true})
	require.NoError(t, err)
	r.waitState(t, StateOpen)

	conn := r.dialer.conn(0)
	conn.inbox <- []byte(`{"t":["2024-01-01"],"GBPUSD":[[1.25,1.28,1.24,1.27]]}`)
	conn.inbox <- []byte(`{"t":"2024-01-01","GBPUSD":1.30}`)

	require.Eventually(t, func() bool {
		s, err := c.SeriesFor("jGBP")
		return err == nil && len(s) == 1 && !s[0].IsHistorical
	}, time.Second, 5*time.Millisecond)

	s, _ := c.SeriesFor("jGBP")
	assert.InDelta(t, 1/1.30, s[0].Close, 1e-12)
	assert.InDelta(t, 1/1.30, s[0].Low, 1e-12)

	_, err = c.Unsubscribe("jGBP")
	require.NoError(t, err)
	assert.Empty(t, r.m.Tracked())
}
