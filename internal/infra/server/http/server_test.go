package httpserver

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/subhub/internal/app/provider"
	"github.com/coachpo/subhub/internal/app/subscription"
	"github.com/coachpo/subhub/internal/infra/adapters/fake"
	"github.com/coachpo/subhub/internal/infra/bus/eventbus"
	"github.com/coachpo/subhub/internal/infra/config"
)

type testEnv struct {
	server      *httptest.Server
	coordinator *subscription.Coordinator
	exchanges   *provider.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 16})
	bus.SetLogger(quiet)

	reg := provider.NewRegistry()
	fake.RegisterFactory(reg)
	exchanges := provider.NewManager(reg, bus, quiet)
	_, err := exchanges.Create(context.Background(), config.ExchangeSpec{
		Name:    "binance",
		Adapter: fake.AdapterName,
		Config:  map[string]any{"ticker_interval": "10ms"},
	})
	require.NoError(t, err)

	coordinator := subscription.NewCoordinator(subscription.Config{}, subscription.WithLogger(quiet))
	server := httptest.NewServer(NewHandler(config.EnvDev, coordinator, exchanges, bus, quiet))

	t.Cleanup(func() {
		server.Close()
		coordinator.Close(context.Background())
		_ = exchanges.Close()
		bus.Close()
	})
	return &testEnv{server: server, coordinator: coordinator, exchanges: exchanges}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func tickerRequest(strategy string) map[string]any {
	return map[string]any{"strategy": strategy, "exchange": "Binance", "symbol": "btc/usdt", "type": "ticker"}
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/subscriptions", tickerRequest("alpha"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "binance:BTC/USDT:ticker", body["id"])
	require.Equal(t, "push", body["method"])
	require.EqualValues(t, 1, body["refCount"])

	resp, body = env.do(t, http.MethodPost, "/subscriptions", tickerRequest("beta"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, 2, body["refCount"])

	resp, body = env.do(t, http.MethodGet, "/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["subscriptions"], 1)

	_, body = env.do(t, http.MethodGet, "/subscriptions?strategy=gamma", nil)
	require.Empty(t, body["subscriptions"])

	resp, _ = env.do(t, http.MethodDelete, "/subscriptions", tickerRequest("alpha"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = env.do(t, http.MethodGet, "/subscriptions?strategy=beta", nil)
	require.Len(t, body["subscriptions"], 1)

	resp, _ = env.do(t, http.MethodDelete, "/subscriptions", tickerRequest("beta"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = env.do(t, http.MethodGet, "/stats", nil)
	stats := body["subscriptions"].(map[string]any)
	require.EqualValues(t, 0, stats["total"])

	adapter, _ := env.exchanges.Exchange("binance")
	require.Empty(t, adapter.(*fake.Exchange).Streams())
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	req := tickerRequest("alpha")
	req["type"] = "funding"
	resp, body := env.do(t, http.MethodPost, "/subscriptions", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "error", body["status"])

	req = tickerRequest("alpha")
	req["exchange"] = "nowhere"
	resp, _ = env.do(t, http.MethodPost, "/subscriptions", req)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/subscriptions", tickerRequest(""))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/subscriptions", tickerRequest("alpha"))
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "DELETE, GET, POST", resp.Header.Get("Allow"))

	raw, err := http.Post(env.server.URL+"/subscriptions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestDisconnectedExchangeFallsBackToPull(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/exchanges/binance/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["connected"])

	_, body = env.do(t, http.MethodGet, "/exchanges", nil)
	list := body["exchanges"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, []any{"fake"}, body["adapters"])
	require.Equal(t, false, list[0].(map[string]any)["connected"])

	req := tickerRequest("alpha")
	req["params"] = map[string]any{"pollInterval": 60000}
	resp, body = env.do(t, http.MethodPost, "/subscriptions", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pull", body["method"])
	require.Equal(t, 1, env.coordinator.ActivePollers())

	resp, _ = env.do(t, http.MethodPost, "/exchanges/nowhere/connect", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/exchanges/binance/reboot", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	for _, strategy := range []string{"alpha", "beta"} {
		resp, _ := env.do(t, http.MethodPost, "/subscriptions", tickerRequest(strategy))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	req := tickerRequest("alpha")
	req["type"] = "trades"
	resp, _ := env.do(t, http.MethodPost, "/subscriptions", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/subscriptions/clear", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, env.coordinator.AllSubscriptions())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodOptions, "/subscriptions", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamForwardsBusEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/stream?type=ticker&exchange=binance&symbol=btc/usdt"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp, _ := env.do(t, http.MethodPost, "/subscriptions", tickerRequest("alpha"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	var evt map[string]any
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, "binance", evt["exchange"])
	require.Equal(t, "BTC/USDT", evt["symbol"])
	require.Equal(t, "ticker", evt["type"])
}

func TestStreamRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/stream?type=funding", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
