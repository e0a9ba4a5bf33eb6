package avalia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Analytics is the handle pages report events through.
type Analytics interface {
	LogEvent(ctx context.Context, clientID string, name string, params map[string]interface{}) error
}

// NewAnalytics returns a Measurement Protocol client when the config carries
// both a measurement id and an API secret, otherwise a handle that only logs.
func NewAnalytics(cfg Config, logger *zap.Logger) Analytics {
	fb := cfg.Firebase
	if fb.MeasurementID == "" || fb.AnalyticsAPISecret == "" {
		return &nopAnalytics{logger: logger}
	}
	return &measurementClient{
		endpoint:      strings.TrimSuffix(cfg.AnalyticsEndpoint, "/"),
		measurementID: fb.MeasurementID,
		apiSecret:     fb.AnalyticsAPISecret,
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logger,
	}
}

type nopAnalytics struct {
	logger *zap.Logger
}

func (n *nopAnalytics) LogEvent(ctx context.Context, clientID string, name string, params map[string]interface{}) error {
	n.logger.Debug("analytics disabled, dropping event", zap.String("event", name))
	return nil
}

type measurementClient struct {
	endpoint      string
	measurementID string
	apiSecret     string
	client        *http.Client
	logger        *zap.Logger
}

type measurementEvent struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type measurementPayload struct {
	ClientID string             `json:"client_id"`
	Events   []measurementEvent `json:"events"`
}

func (m *measurementClient) LogEvent(ctx context.Context, clientID string, name string, params map[string]interface{}) error {
	body, err := json.Marshal(measurementPayload{
		ClientID: clientID,
		Events:   []measurementEvent{{Name: name, Params: params}},
	})
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("measurement_id", m.measurementID)
	q.Set("api_secret", m.apiSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/mp/collect?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("analytics collect %s: unexpected status %d", name, resp.StatusCode)
	}
	m.logger.Debug("analytics event sent", zap.String("event", name))
	return nil
}
