package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xrpl-buy-alerts/internal/metrics"
	"xrpl-buy-alerts/internal/service"
)

type staticSessions []service.SessionInfo

func (s staticSessions) Sessions() []service.SessionInfo { return s }

func TestRoutes(t *testing.T) {
	m := metrics.New("buyalerts")
	m.AlertResult(nil)

	expire := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(Handler(m.Registry(), staticSessions{{ID: "-1", Asset: "rIssuer/USD", ExpireAt: expire}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.True(t, strings.Contains(string(body), "buyalerts_alerts_sent_total 1"))

	resp, err = http.Get(srv.URL + "/v1/sessions")
	require.NoError(t, err)
	var decoded struct {
		Sessions []service.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	resp.Body.Close()
	require.Len(t, decoded.Sessions, 1)
	require.Equal(t, "-1", decoded.Sessions[0].ID)
	require.True(t, decoded.Sessions[0].ExpireAt.Equal(expire))
}

func TestMetricsDisabled(t *testing.T) {
	srv := httptest.NewServer(Handler(nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
