package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/live"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"go.uber.org/zap"
)

func testServer(t *testing.T) *StatusServer {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics := live.NewMetrics(registry)
	runner := live.NewRunner(zap.NewNop(), live.DefaultRunnerConfig(), metrics, nil, nil)
	return NewStatusServer(zap.NewNop(), ServerConfig{Addr: ":0"}, runner, registry)
}

func get(t *testing.T, s *StatusServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, s *StatusServer, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, testServer(t), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	rec := get(t, testServer(t), "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st live.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Mode != live.ModePaper {
		t.Errorf("mode = %s, want paper", st.Mode)
	}
}

func TestStatusWithoutRunner(t *testing.T) {
	s := NewStatusServer(zap.NewNop(), ServerConfig{Addr: ":0"}, nil, nil)
	rec := get(t, s, "/api/v1/status")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	rec := get(t, testServer(t), "/api/v1/strategies")
	var body struct {
		Builtin []string `json:"builtin"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Builtin) == 0 {
		t.Error("expected built-in strategy names")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, testServer(t), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected prometheus exposition output")
	}
}

func apiCandles(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]any{
			"symbol":          "BTCUSDT",
			"openTime":        fmt.Sprintf("2024-01-01T%02d:00:00Z", i),
			"open":            "100",
			"high":            "101",
			"low":             "99",
			"close":           "100",
			"volume":          "1000",
			"intervalMinutes": 60,
		}
	}
	return out
}

func TestRunBacktestEndpoint(t *testing.T) {
	s := testServer(t)
	rec := post(t, s, "/api/v1/backtest/run", map[string]any{
		"strategy": "sma_cross",
		"params":   map[string]float64{"fast": 2, "slow": 4},
		"candles":  apiCandles(12),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID     string                `json:"id"`
		Result *types.BacktestResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID == "" || body.Result == nil {
		t.Fatal("response missing id or result")
	}
	if body.Result.Status != types.BacktestStatusCompleted && body.Result.Status != types.BacktestStatusNoTrades {
		t.Errorf("result status = %s", body.Result.Status)
	}

	// The stored result is retrievable by id.
	got := get(t, s, "/api/v1/backtest/"+body.ID)
	if got.Code != http.StatusOK {
		t.Errorf("get stored result status = %d", got.Code)
	}
}

func TestRunBacktestRejectsBadRequests(t *testing.T) {
	s := testServer(t)

	rec := post(t, s, "/api/v1/backtest/run", map[string]any{
		"strategy": "does_not_exist",
		"candles":  apiCandles(5),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown strategy status = %d, want 400", rec.Code)
	}

	rec = post(t, s, "/api/v1/backtest/run", map[string]any{
		"strategy": "sma_cross",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty candles status = %d, want 400", rec.Code)
	}

	if got := get(t, s, "/api/v1/backtest/nope"); got.Code != http.StatusNotFound {
		t.Errorf("missing result status = %d, want 404", got.Code)
	}
}
