// Package metrics counts send attempts.
package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/formatter"
)

var (
	metricFormat = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptsend_format_total",
			Help: "Message formatting results by mode. Results: ready, cancelled, userinput, expiredkey, ownkeyexpired, uploadintegrity, backendauth, backendnet, backend, error.",
		},
		[]string{"mode", "result"},
	)
	metricFormatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptsend_format_duration_seconds",
			Help:    "Time to format a message, including uploads.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)
	metricSend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptsend_send_total",
			Help: "Messages handed to the mail provider, by transport and result (ok, error).",
		},
		[]string{"transport", "result"},
	)
)

// Result classifies the outcome of one formatting attempt.
func Result(res *formatter.Result, err error) string {
	if err == nil {
		if res == nil {
			return "error"
		}
		return res.Outcome.String()
	}
	var (
		ui  *formatter.UserInputError
		exp *formatter.ExpiredKeyError
		ui2 *formatter.UploadIntegrityError
		be  *formatter.BackendError
	)
	switch {
	case errors.As(err, &ui):
		return "userinput"
	case errors.As(err, &exp):
		if exp.Own {
			return "ownkeyexpired"
		}
		return "expiredkey"
	case errors.As(err, &ui2):
		return "uploadintegrity"
	case errors.As(err, &be):
		switch {
		case be.Auth():
			return "backendauth"
		case be.Net():
			return "backendnet"
		}
		return "backend"
	}
	return "error"
}

// Format records one formatting attempt.
func Format(mode string, st time.Time, res *formatter.Result, err error) {
	metricFormat.WithLabelValues(mode, Result(res, err)).Inc()
	metricFormatDuration.WithLabelValues(mode).Observe(time.Since(st).Seconds())
}

// Send records handing a message to transport.
func Send(transport string, err error) {
	r := "ok"
	if err != nil {
		r = "error"
	}
	metricSend.WithLabelValues(transport, r).Inc()
}

// Serve exposes metrics on addr until the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("Serving metrics on %q", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics listener: %v", err)
		}
	}()
}
