package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/brandur/fadeboard/internal/util/stringutil"
)

//
// CORS
//

// NewCORSHandler allows browser clients on any origin to use the API. Delete
// tokens travel in a custom header, so it needs to be allowed explicitly.
func NewCORSHandler(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodDelete, http.MethodGet, http.MethodOptions, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", DeleteTokenHeader},
	}).Handler(next)
}

//
// CanonicalLogLineMiddleware
//

type CanonicalLogLineMiddleware struct {
	// A channel over which log data is sent as it's generated, if the channel
	// is set. This is intended for testing purposes so that we can verify log
	// data being generated.
	logDataChan chan map[string]any

	logger *logrus.Logger
}

func NewCanonicalLogLineMiddleware(logger *logrus.Logger) *CanonicalLogLineMiddleware {
	return &CanonicalLogLineMiddleware{logger: logger}
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		requestStart := time.Now()

		next.ServeHTTP(w, r)

		duration := PrettyDuration(time.Since(requestStart))

		var routeStr string
		route := mux.CurrentRoute(r)
		if route != nil {
			pathTemplate, _ := route.GetPathTemplate()
			routeStr = pathTemplate
		}

		routeOrPath := routeStr
		if routeOrPath == "" {
			routeOrPath = r.URL.Path
		}

		var statusCode int
		if ctxContainer != nil {
			statusCode = ctxContainer.StatusCode
		}

		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     duration,
			"http_method":  r.Method,
			"http_path":    r.URL.Path,
			"http_route":   routeStr,
			"ip":           m.getIP(r).String(),
			"query_string": stringutil.SampleLong(r.URL.RawQuery),
			"status":       statusCode,
			"user_agent":   r.UserAgent(),
		}

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}

		m.logger.WithFields(logrus.Fields(logData)).
			Infof("canonical_log_line %s %s -> %v (%s)", r.Method, routeOrPath, statusCode, duration)
	})
}

func (m *CanonicalLogLineMiddleware) getIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary proxy
		// following. In these cases, just include the original IP so that we
		// can aggregate on it from logging.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}

// PrettyDuration exists for the simple purpose of making a duration more useful
// when it's emitted to a JSON log or as a string.
//
// A duration will normally produce a string like "42.334µs" which is somewhat
// useful for humans, but not friendly for machine ingestion or aggregation.
// This standardizes the way we spit out durations in the log line to give us a
// normal seconds fraction like "0.000042" instead.
type PrettyDuration time.Duration

func (d PrettyDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d PrettyDuration) String() string {
	return fmt.Sprintf(`%05fs`, time.Duration(d).Seconds())
}

//
// ContextContainerMiddleware
//

// Internal type so that we can produce a guaranteed unique global context
// value.
type contextContainerContextKey struct{}

// ContextContainer is a type embedded to context that facilitates access to
// various values.
type ContextContainer struct {
	StatusCode int
}

// ContextContainerFrom returns the request's container, or nil if the request
// didn't pass through ContextContainerMiddleware.
func ContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// ContextContainerMiddleware embeds a context early in the request stack, which
// can be used to set various values along a request's lifecycle that can then
// be introspected by entities including other middleware.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextContainerContextKey{}, &ContextContainer{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

//
// InspectableWriterMiddleware
//

// InspectableWriter wraps a response writer and records the status written
// through it so that it can be examined after the fact. The body is passed
// straight through.
type InspectableWriter struct {
	http.ResponseWriter

	StatusCode int
}

// NewInspectableWriter wraps w, or returns w itself if it's already an
// InspectableWriter so that stacked middleware share one wrapper.
func NewInspectableWriter(w http.ResponseWriter) *InspectableWriter {
	if inspectableWriter, ok := w.(*InspectableWriter); ok {
		return inspectableWriter
	}
	return &InspectableWriter{ResponseWriter: w}
}

func (w *InspectableWriter) Write(data []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(data)
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Written is whether anything has been sent to the client yet.
func (w *InspectableWriter) Written() bool {
	return w.StatusCode != 0
}

type InspectableWriterMiddleware struct{}

func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inspectableWriter := NewInspectableWriter(w)
		next.ServeHTTP(inspectableWriter, r)

		if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
			ctxContainer.StatusCode = inspectableWriter.StatusCode
		}
	})
}

//
// TimeoutMiddleware
//

// TimeoutMiddleware puts a deadline on a request's context. If the handler
// gives up because of it without having written anything, the client gets a
// 504 explaining what happened.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestStart := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		inspectableWriter := NewInspectableWriter(w)
		next.ServeHTTP(inspectableWriter, r.WithContext(ctx))

		if inspectableWriter.Written() || ctx.Err() == nil {
			return
		}

		verb := "was canceled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			verb = "timed out"
		}

		inspectableWriter.WriteHeader(http.StatusGatewayTimeout)
		_, _ = inspectableWriter.Write([]byte(fmt.Sprintf("The request %s after %s (maximum request time is %s).",
			verb, PrettyDuration(time.Since(requestStart)), PrettyDuration(m.timeout))))
	})
}
