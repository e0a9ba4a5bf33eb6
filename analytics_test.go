package avalia

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func analyticsConfig(endpoint string) Config {
	return Config{
		AnalyticsEndpoint: endpoint,
		Firebase: FirebaseConfig{
			MeasurementID:      "G-TEST",
			AnalyticsAPISecret: "secret",
		},
	}
}

func TestNewAnalyticsWithoutSecretIsNop(t *testing.T) {
	cfg := analyticsConfig("http://unused")
	cfg.Firebase.AnalyticsAPISecret = ""
	a := NewAnalytics(cfg, zap.NewNop())
	require.NotNil(t, a)
	assert.IsType(t, &nopAnalytics{}, a)
	assert.NoError(t, a.LogEvent(context.Background(), "cid", "page_view", nil))
}

func TestMeasurementClientLogEvent(t *testing.T) {
	var gotQuery map[string][]string
	var gotPayload measurementPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mp/collect", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotQuery = r.URL.Query()
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAnalytics(analyticsConfig(srv.URL+"/"), zap.NewNop())
	require.IsType(t, &measurementClient{}, a)
	err := a.LogEvent(context.Background(), "client-1", "evaluation_submitted", map[string]interface{}{"rating": 5})
	require.NoError(t, err)

	assert.Equal(t, []string{"G-TEST"}, gotQuery["measurement_id"])
	assert.Equal(t, []string{"secret"}, gotQuery["api_secret"])
	assert.Equal(t, "client-1", gotPayload.ClientID)
	require.Len(t, gotPayload.Events, 1)
	assert.Equal(t, "evaluation_submitted", gotPayload.Events[0].Name)
	assert.EqualValues(t, 5, gotPayload.Events[0].Params["rating"])
}

func TestMeasurementClientRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAnalytics(analyticsConfig(srv.URL), zap.NewNop())
	err := a.LogEvent(context.Background(), "client-1", "page_view", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestMeasurementClientCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAnalytics(analyticsConfig(srv.URL), zap.NewNop())
	assert.ErrorIs(t, a.LogEvent(ctx, "client-1", "page_view", nil), context.Canceled)
}
