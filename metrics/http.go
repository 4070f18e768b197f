// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/spoold/mlog"
)

var (
	metricHTTPClient = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoold_httpclient_request_duration_seconds",
			Help:    "HTTP requests, e.g. made by the http delivery transport.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"pkg",
			"method",
			"code",
			"result",
		},
	)
)

// HTTPResult returns a short string describing the outcome of an HTTP
// transaction: ok, usererror, servererror, other, timeout, canceled or error.
func HTTPResult(statusCode int, err error) string {
	switch {
	case err == nil:
		switch statusCode / 100 {
		case 2:
			return "ok"
		case 4:
			return "usererror"
		case 5:
			return "servererror"
		}
		return "other"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// HTTPClientObserve tracks the result of an HTTP transaction in a metric, and
// logs the result.
func HTTPClientObserve(log mlog.Log, pkg, method string, statusCode int, err error, start time.Time) {
	result := HTTPResult(statusCode, err)
	metricHTTPClient.WithLabelValues(pkg, method, strconv.Itoa(statusCode), result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.Debugx("httpclient result", err,
		slog.String("pkg", pkg),
		slog.String("method", method),
		slog.Int("code", statusCode),
		slog.String("result", result),
		slog.Duration("duration", time.Since(start)))
}
