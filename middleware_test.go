package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCORSHandler(t *testing.T) {
	ctx := context.Background()

	router := mux.NewRouter()
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {})
	handler := NewCORSHandler(router)

	t.Run("SimpleRequest", func(t *testing.T) {
		r := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		r.Header.Set("Origin", "https://elsewhere.example.com")

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, r)

		require.Equal(t, http.StatusOK, recorder.Code)
		require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("PreflightDeleteWithToken", func(t *testing.T) {
		r := mustNewRequest(ctx, http.MethodOptions, "/hello", nil, nil)
		r.Header.Set("Origin", "https://elsewhere.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodDelete)

		// Browsers send requested header names lowercased.
		r.Header.Set("Access-Control-Request-Headers", "x-delete-token")

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, r)

		require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
		require.Contains(t, recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	})

	t.Run("PreflightJSONDeleteWithToken", func(t *testing.T) {
		r := mustNewRequest(ctx, http.MethodOptions, "/hello", nil, nil)
		r.Header.Set("Origin", "https://elsewhere.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodDelete)
		r.Header.Set("Access-Control-Request-Headers", "content-type,x-delete-token")

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, r)

		require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("PreflightDisallowedHeader", func(t *testing.T) {
		r := mustNewRequest(ctx, http.MethodOptions, "/hello", nil, nil)
		r.Header.Set("Origin", "https://elsewhere.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodDelete)
		r.Header.Set("Access-Control-Request-Headers", "x-something-else")

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, r)

		require.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("PreflightDisallowedMethod", func(t *testing.T) {
		r := mustNewRequest(ctx, http.MethodOptions, "/hello", nil, nil)
		r.Header.Set("Origin", "https://elsewhere.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodPut)

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, r)

		require.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCanonicalLogLineMiddleware(t *testing.T) {
	ctx := context.Background()
	logDataChan := make(chan map[string]any, 1)

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logDataChan: logDataChan, logger: logrus.New()}).Wrapper)
	router.Use(NewInspectableWriterMiddleware().Wrapper)
	router.HandleFunc("/rooms/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	recorder := httptest.NewRecorder()
	r := mustNewRequest(ctx, http.MethodPost, "/rooms/abc/heartbeat?source=test", nil, nil)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	router.ServeHTTP(recorder, r)

	logData := <-logDataChan
	require.Equal(t, map[string]any{
		"content_type": "application/json",
		"duration":     logData["duration"], // hard to assert on
		"http_method":  http.MethodPost,
		"http_path":    "/rooms/abc/heartbeat",
		"http_route":   "/rooms/{id}/heartbeat",
		"ip":           "10.0.0.1",
		"query_string": "source=test",
		"status":       http.StatusCreated,
		"user_agent":   "test-agent",
	}, logData)
}

func TestContextContainerMiddleware(t *testing.T) {
	ctx := context.Background()
	var ctxContainer *ContextContainer

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		ctxContainer = ContextContainerFrom(r.Context())
		ctxContainer.StatusCode = http.StatusCreated
		w.WriteHeader(http.StatusCreated)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil))

	require.Equal(t, http.StatusCreated, ctxContainer.StatusCode)

	// Without the middleware there's no container.
	require.Nil(t, ContextContainerFrom(ctx))
}

func TestInspectableWriterMiddlewareWrapper(t *testing.T) {
	var (
		ctx               context.Context
		handler           http.Handler
		inspectableWriter *InspectableWriter
		writeResponse     func(w http.ResponseWriter)
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()

			writeResponse = func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte("hello"))
			}

			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inspectableWriter = w.(*InspectableWriter)
				writeResponse(w)
			})
			handler = NewInspectableWriterMiddleware().Wrapper(handler)

			test(t)
		}
	}

	t.Run("TracksStatus", setup(func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusCreated, inspectableWriter.StatusCode)
		require.Equal(t, http.StatusCreated, recorder.Code)
		require.Equal(t, "hello", recorder.Body.String())
	}))

	t.Run("SharesExistingWriter", setup(func(t *testing.T) {
		outer := NewInspectableWriter(httptest.NewRecorder())
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(outer, req)

		require.Same(t, outer, inspectableWriter)
		require.Equal(t, http.StatusCreated, outer.StatusCode)
	}))

	t.Run("TracksDefaultStatus", setup(func(t *testing.T) {
		writeResponse = func(w http.ResponseWriter) {
			_, err := w.Write([]byte{})
			require.NoError(t, err)
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusOK, inspectableWriter.StatusCode)
	}))

	t.Run("SetsContextContainerStatus", setup(func(t *testing.T) {
		ctxContainer := &ContextContainer{}
		ctx = context.WithValue(ctx, contextContainerContextKey{}, ctxContainer)

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusCreated, ctxContainer.StatusCode)
	}))
}

func TestTimeoutMiddlewareWrapper(t *testing.T) {
	var (
		ctx         context.Context
		handler     http.Handler
		handlerFunc func(w http.ResponseWriter, r *http.Request)
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			ctx = context.Background()
			handlerFunc = nil

			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if handlerFunc != nil {
					handlerFunc(w, r)
				}
			})
			handler = NewTimeoutMiddleware(50 * time.Millisecond).Wrapper(handler)

			test(t)
		}
	}

	t.Run("DoesNothingWithoutTimeout", setup(func(t *testing.T) {
		handlerFunc = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusCreated, recorder.Result().StatusCode) //nolint:bodyclose
	}))

	t.Run("HandlesCanceled", setup(func(t *testing.T) {
		handlerFunc = func(_ http.ResponseWriter, r *http.Request) {
		}

		cancelCtx, cancel := context.WithCancel(context.Background())
		cancel()

		recorder := httptest.NewRecorder()
		req := mustNewRequest(cancelCtx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusGatewayTimeout, recorder.Result().StatusCode) //nolint:bodyclose
		require.Regexp(t,
			`\AThe request was canceled after 0\.\d+s \(maximum request time is 0\.050000s\).\z`,
			recorder.Body.String())
	}))

	t.Run("HandlesTimeout", setup(func(t *testing.T) {
		handlerFunc = func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
				require.Fail(t, "Timed out waiting for cancellation")
			case <-r.Context().Done():
				t.Logf("Context was cancelled: %s", r.Context().Err())
			}
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusGatewayTimeout, recorder.Result().StatusCode) //nolint:bodyclose
		require.Regexp(t,
			`\AThe request timed out after 0\.\d+s \(maximum request time is 0\.050000s\).\z`,
			recorder.Body.String())
	}))
}
