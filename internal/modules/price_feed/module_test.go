package price_feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"price_feed/internal/models"
	"price_feed/internal/modules/config"
	"price_feed/internal/modules/health"
	healthsvc "price_feed/internal/modules/health/service"
	"price_feed/internal/modules/notify"
	"price_feed/internal/modules/price_feed/service"
)

func feedServer(t *testing.T, requests chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sentHistory := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			requests <- string(data)
			if sentHistory {
				continue
			}
			sentHistory = true
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{
				"t": ["2024-03-19", "2024-03-20"],
				"EURUSD": [[1.08, 1.09, 1.07, 1.085], [1.085, 1.10, 1.08, 1.09]],
				"USDCHF": [[0.88, 0.89, 0.87, 0.885], [0.885, 0.90, 0.88, 0.89]]
			}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"2024-03-20","EURUSD":1.095,"USDCHF":0.875}`))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(endpoint string) *config.Config {
	cfg := &config.Config{}
	cfg.Feed.Endpoint = endpoint
	cfg.Feed.ReconnectDelay = 5 * time.Second
	cfg.Feed.HistoryDays = 14
	cfg.Feed.BufferSize = 16
	cfg.Feed.SubscribeAll = true
	cfg.Feed.IncludeHistory = true
	cfg.Catalog.Pairs = map[string]string{"jEUR": "EURUSD", "jCHF": "USDCHF"}
	cfg.Catalog.Reversed = []string{"USDCHF"}
	cfg.Service.AdminAddr = "127.0.0.1:0"
	return cfg
}

func TestModule_SubscribesCatalogAndBuildsSeries(t *testing.T) {
	requests := make(chan string, 16)
	server := feedServer(t, requests)
	cfg := testConfig("ws" + strings.TrimPrefix(server.URL, "http"))

	var (
		coord *service.Coordinator
		state *healthsvc.State
		view  health.FeedView
	)
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(zap.NewNop),
		notify.Module(),
		health.Module(),
		Module(),
		fx.Populate(&coord, &state, &view),
	)
	app.RequireStart()

	require.Eventually(t, func() bool {
		s := coord.Series("EURUSD")
		return len(s) == 2 && s[1].Close == 1.095
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(coord.Series("USDCHF")) == 2 && !coord.Series("USDCHF")[1].IsHistorical },
		2*time.Second, 10*time.Millisecond)

	chf := coord.Series("USDCHF")[1]
	assert.InDelta(t, 1/0.875, chf.Close, 1e-12)
	assert.InDelta(t, 1/0.875, chf.High, 1e-12)

	assert.True(t, state.Ready())
	assert.True(t, state.WSConnected())
	assert.False(t, state.LastTick().IsZero())
	assert.Equal(t, map[models.PairID]int{"EURUSD": 2, "USDCHF": 2}, view.CandleCounts())
	assert.ElementsMatch(t, []models.PairID{"EURUSD", "USDCHF"}, view.Tracked())

	rate, ok := coord.Rate("USDCHF")
	require.True(t, ok)
	assert.Equal(t, 0.875, rate)

	app.RequireStop()
	assert.Empty(t, coord.Tracked())
	assert.False(t, state.Ready())

	var got []string
	for len(requests) > 0 {
		got = append(got, <-requests)
	}
	require.GreaterOrEqual(t, len(got), 2)
	assert.Contains(t, got[0], `"type":"subscribe"`)
	assert.Contains(t, got[0], `"from":`)
}
