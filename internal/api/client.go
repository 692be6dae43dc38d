// Package api implements the authenticated, rate-limited client for the
// Estfeed metering API: OAuth2 client-credentials token lifecycle, the
// request-pacing floor, and the metering-point and metering-data endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/models"
)

// API paths, appended to the configured host.
const (
	MeteringPointsPath = "/api/public/v1/metering-point-eics"
	MeteringDataPath   = "/api/public/v1/metering-data"
)

// CurrentDataWindow is how far back FetchCurrent looks for the latest
// reading.
const CurrentDataWindow = 2 * time.Hour

// requestTimeout bounds every individual HTTP call.
const requestTimeout = 30 * time.Second

// timestampFormat is ISO-8601 with a UTC offset, as the Estfeed API expects.
const timestampFormat = "2006-01-02T15:04:05Z0700"

// APIRequests counts outbound API requests by path and status.
var APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "estfeed_api_requests_total",
	Help: "Outbound Estfeed API requests by path and HTTP status.",
}, []string{"path", "status"})

// Client issues authenticated, rate-limited calls against the metering API.
// The TokenManager and RateLimiter are shared, explicitly constructed
// state; pass the same instances to every component that talks to the API.
type Client struct {
	host    string
	tokens  *TokenManager
	limiter *RateLimiter
	http    *http.Client
	logger  *logrus.Logger
}

// NewClient builds a Client for apiHost. A nil httpClient gets a default
// with the per-request timeout.
func NewClient(apiHost string, tokens *TokenManager, limiter *RateLimiter, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		host:    strings.TrimRight(apiHost, "/"),
		tokens:  tokens,
		limiter: limiter,
		http:    httpClient,
		logger:  logger,
	}
}

// RateLimiter exposes the shared limiter for diagnostics.
func (c *Client) RateLimiter() *RateLimiter { return c.limiter }

// do performs one authenticated, rate-limited GET and decodes the JSON
// body into a generic value. On 401 it invalidates the cached token and
// retries exactly once.
func (c *Client) do(ctx context.Context, path string, params url.Values) (any, error) {
	body, err := c.doOnce(ctx, path, params)

	var fatal *FatalAPIError
	if errors.As(err, &fatal) && fatal.Status == http.StatusUnauthorized {
		c.logger.WithField("path", path).Warn("Got 401, refreshing token and retrying once")
		c.tokens.Invalidate()
		body, err = c.doOnce(ctx, path, params)
		if errors.As(err, &fatal) && fatal.Status == http.StatusUnauthorized {
			return nil, &AuthError{Status: fatal.Status, Msg: fatal.Msg}
		}
	}
	return body, err
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values) (any, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	if wait, err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	} else if wait > 0 {
		c.logger.WithFields(logrus.Fields{
			"path":    path,
			"waited":  wait.Seconds(),
			"blocked": c.limiter.Snapshot().BlockedCount,
		}).Debug("Rate limit wait before request")
	}

	reqURL := c.host + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			APIRequests.WithLabelValues(path, "timeout").Inc()
			return nil, &RetryableAPIError{Msg: fmt.Sprintf("request to %s timed out: %v", reqURL, err)}
		}
		APIRequests.WithLabelValues(path, "transport_error").Inc()
		return nil, &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	c.limiter.RecordServerHeaders(resp.Header)
	APIRequests.WithLabelValues(path, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		// parsed below
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &RetryableAPIError{Status: resp.StatusCode, Msg: string(raw)}
	case resp.StatusCode >= 400:
		return nil, &FatalAPIError{Status: resp.StatusCode, Msg: string(raw)}
	default:
		return nil, &FatalAPIError{Status: resp.StatusCode, Msg: string(raw)}
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &FatalAPIError{Status: resp.StatusCode, Msg: "malformed response body: " + err.Error()}
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// DiscoverMeteringPoints fetches the metering points the credentials grant
// access to.
func (c *Client) DiscoverMeteringPoints(ctx context.Context) ([]models.MeteringPoint, error) {
	now := time.Now().UTC().Format(timestampFormat)
	params := url.Values{
		"startDateTime": {now},
		"endDateTime":   {now},
	}

	body, err := c.do(ctx, MeteringPointsPath, params)
	if err != nil {
		return nil, err
	}

	entries := unwrapList(body, "meteringPoints", "data", "content")
	points := make([]models.MeteringPoint, 0, len(entries))
	for _, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		eic, _ := obj["eic"].(string)
		if eic == "" {
			eic, _ = obj["meteringPointEic"].(string)
		}
		if eic == "" {
			continue
		}
		commodity, _ := obj["commodityType"].(string)
		points = append(points, models.MeteringPoint{
			EIC:       eic,
			Commodity: models.CommodityType(strings.ToUpper(commodity)),
		})
	}

	if len(points) == 0 {
		c.logger.Warn("No metering points returned, verify the credentials have access to at least one EIC")
	} else {
		c.logger.WithField("count", len(points)).Debug("Fetched metering points")
	}
	return points, nil
}

// FetchRange fetches metering data for one EIC over [start, end) at the
// given resolution, sorted ascending by timestamp. Non-numeric and null
// fields are dropped; they are not sensor-worthy.
func (c *Client) FetchRange(ctx context.Context, eic string, start, end time.Time, res models.Resolution) ([]models.DataPoint, error) {
	params := url.Values{
		"startDateTime":     {start.UTC().Format(timestampFormat)},
		"endDateTime":       {end.UTC().Format(timestampFormat)},
		"resolution":        {string(res)},
		"meteringPointEics": {eic},
	}

	c.logger.WithFields(logrus.Fields{
		"eic":        eic,
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
		"resolution": res,
	}).Debug("Fetching metering data")

	body, err := c.do(ctx, MeteringDataPath, params)
	if err != nil {
		return nil, err
	}

	points := extractDataPoints(body, eic)
	sort.Slice(points, func(i, j int) bool {
		if points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Field < points[j].Field
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	c.logger.WithFields(logrus.Fields{"eic": eic, "points": len(points)}).
		Debug("Received metering data")
	return points, nil
}

// FetchCurrent returns the numeric fields of the most recent reading within
// the last two hours. An empty map means no recent data, not an error.
func (c *Client) FetchCurrent(ctx context.Context, eic string, res models.Resolution) (map[string]float64, error) {
	end := time.Now().UTC()
	points, err := c.FetchRange(ctx, eic, end.Add(-CurrentDataWindow), end, res)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return map[string]float64{}, nil
	}

	latest := points[len(points)-1].Timestamp
	fields := map[string]float64{}
	for _, p := range points {
		if p.Timestamp.Equal(latest) {
			fields[p.Field] = p.Value
		}
	}
	return fields, nil
}

// unwrapList tolerates the response-shape variants the API is known to
// produce: a bare list, or a dict wrapping the list under one of keys.
func unwrapList(body any, keys ...string) []any {
	switch v := body.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range keys {
			if list, ok := v[key].([]any); ok {
				return list
			}
		}
	}
	return nil
}

// extractDataPoints flattens the metering-data response into DataPoints.
// Each measurement carries a timestamp plus arbitrary fields; only numeric
// fields become points. The per-EIC wrapper shape is matched by EIC label,
// falling back to a single unlabelled entry.
func extractDataPoints(body any, eic string) []models.DataPoint {
	entries := unwrapList(body, "meteringData", "data", "content", "measurements")

	measurements := entries
	for _, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		inner, ok := obj["measurements"].([]any)
		if !ok {
			break
		}
		itemEIC, _ := obj["meteringPointEic"].(string)
		if itemEIC == "" {
			itemEIC, _ = obj["eic"].(string)
		}
		if itemEIC == eic || len(entries) == 1 {
			measurements = inner
			break
		}
		measurements = nil
	}

	var points []models.DataPoint
	for _, m := range measurements {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		rawTS, _ := obj["timestamp"].(string)
		ts, err := parseTimestamp(rawTS)
		if err != nil {
			continue
		}
		for field, value := range obj {
			if field == "timestamp" {
				continue
			}
			num, ok := value.(float64)
			if !ok {
				continue
			}
			points = append(points, models.DataPoint{Timestamp: ts, Field: field, Value: num})
		}
	}
	return points
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339, timestampFormat, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
