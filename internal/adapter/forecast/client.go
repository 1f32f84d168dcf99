// Package forecast calls an external forecasting service over HTTP and falls
// back to a local model when the service is unavailable.
package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

const forecastPath = "/v1/forecast"

// Client implements scoring.Forecaster by POSTing the request history as
// JSON to {baseURL}/v1/forecast.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (c *Client) Forecast(ctx context.Context, req scoring.ForecastRequest) (scoring.Forecast, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return scoring.Forecast{}, fmt.Errorf("encode forecast request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+forecastPath, bytes.NewReader(body))
	if err != nil {
		return scoring.Forecast{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return scoring.Forecast{}, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return scoring.Forecast{}, scoring.ErrInsufficientHistory
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return scoring.Forecast{}, fmt.Errorf("forecast service error: status %d: %s", resp.StatusCode, msg)
	}

	var f scoring.Forecast
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return scoring.Forecast{}, fmt.Errorf("decode forecast: %w", err)
	}
	if math.IsNaN(f.Uncertainty) || f.Uncertainty < 0 {
		return scoring.Forecast{}, fmt.Errorf("forecast service returned uncertainty %v", f.Uncertainty)
	}
	return f, nil
}

// Fallback tries Primary first and answers from Secondary when Primary fails
// for any reason other than the caller's context ending. When the caller has
// a deadline, Primary gets PrimaryShare of the remaining time (half when
// unset) so Secondary always has time left to answer.
type Fallback struct {
	Primary      scoring.Forecaster
	Secondary    scoring.Forecaster
	PrimaryShare float64
	Logger       *slog.Logger
}

func (f Fallback) Forecast(ctx context.Context, req scoring.ForecastRequest) (scoring.Forecast, error) {
	pctx, cancel := f.primaryContext(ctx)
	out, err := f.Primary.Forecast(pctx, req)
	cancel()
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return scoring.Forecast{}, ctx.Err()
	}
	if !errors.Is(err, scoring.ErrInsufficientHistory) {
		f.Logger.Warn("remote forecast failed, using local model",
			"cluster_id", req.ClusterID,
			"type", req.Type,
			"error", err,
		)
	}
	return f.Secondary.Forecast(ctx, req)
}

func (f Fallback) primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	share := f.PrimaryShare
	if share <= 0 || share >= 1 {
		share = 0.5
	}
	return context.WithTimeout(ctx, time.Duration(float64(time.Until(deadline))*share))
}
