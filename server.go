package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fblifecycle"
	"github.com/brandur/fadeboard/internal/fbmedia"
	"github.com/brandur/fadeboard/internal/fbstore"
)

const (
	// DeleteTokenHeader is an alternative to sending the delete token in the
	// body of a delete request.
	DeleteTokenHeader = "X-Delete-Token"

	// Room for form fields and multipart framing on top of the largest
	// allowed upload.
	requestBodyOverhead = 64 * 1024

	// Uploads larger than this are buffered to temporary files while parsing.
	multipartMemory = 1 * 1024 * 1024

	requestTimeout = 30 * time.Second
)

// Lifecycle is the set of operations that the server exposes. It's implemented
// by *fblifecycle.Manager.
type Lifecycle interface {
	CreatePost(ctx context.Context, params *fblifecycle.CreatePostParams) (*fblifecycle.CreatePostResult, error)
	CreateRoom(ctx context.Context, label string) (*fbstore.Room, error)
	DeletePost(ctx context.Context, id, token string) error
	HeartbeatRoom(ctx context.Context, id string) error
	ListPosts(ctx context.Context, roomID string) ([]*fblifecycle.PublicPost, error)
	Stats(ctx context.Context) (*fblifecycle.Stats, error)
}

type Server struct {
	httpServer   *http.Server
	lifecycle    Lifecycle
	logger       *logrus.Logger
	maxBodyBytes int64
	name         string
	router       *mux.Router
}

func NewServer(logger *logrus.Logger, lifecycle Lifecycle, gatherer prometheus.Gatherer, port int, maxUploadBytes int64) *Server {
	server := &Server{
		lifecycle:    lifecycle,
		logger:       logger,
		maxBodyBytes: maxUploadBytes + requestBodyOverhead,
		name:         reflect.TypeOf(Server{}).Name(),
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use(NewCanonicalLogLineMiddleware(logger).Wrapper)
	router.Use(NewInspectableWriterMiddleware().Wrapper)
	router.Use(NewTimeoutMiddleware(requestTimeout).Wrapper)
	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Handle("/posts", server.wrapEndpoint(server.handleListPosts)).Methods(http.MethodGet)
	router.Handle("/posts", server.wrapEndpoint(server.handleCreatePost)).Methods(http.MethodPost)
	router.Handle("/posts/{id}", server.wrapEndpoint(server.handleDeletePost)).Methods(http.MethodDelete)
	router.Handle("/rooms", server.wrapEndpoint(server.handleCreateRoom)).Methods(http.MethodPost)
	router.Handle("/rooms/{id}/heartbeat", server.wrapEndpoint(server.handleHeartbeatRoom)).Methods(http.MethodPost)
	router.Handle("/stats", server.wrapEndpoint(server.handleStats)).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewCORSHandler(router),

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

func (s *Server) Start() error {
	s.logger.Infof(s.name+": Listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return xerrors.Errorf("error shutting down server: %w", err)
	}
	return nil
}

//
// Endpoints
//

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, []byte("fadeboard: posts here don't last"), http.Header{
		"Content-Type": []string{"text/plain"},
	}), nil
}

type createPostRequest struct {
	Content    string `json:"content"`
	RoomID     string `json:"roomId"`
	TTLMinutes int    `json:"ttlMinutes"`
}

func (s *Server) handleCreatePost(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var (
		params     = &fblifecycle.CreatePostParams{}
		ttlMinutes int
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, requestBodyError(err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		params.Content = r.FormValue("content")
		params.RoomID = r.FormValue("roomId")

		if ttlStr := r.FormValue("ttlMinutes"); ttlStr != "" {
			var err error
			ttlMinutes, err = strconv.Atoi(ttlStr)
			if err != nil {
				return nil, NewServerError(http.StatusBadRequest, "`ttlMinutes` should be a whole number of minutes.")
			}
		}

		file, fileHeader, err := r.FormFile("image")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return nil, requestBodyError(err)
		default:
			defer file.Close()
			params.Media = &fbmedia.Upload{
				Data:     file,
				Filename: fileHeader.Filename,
				MIMEType: fileHeader.Header.Get("Content-Type"),
			}
		}
	} else {
		var req createPostRequest
		if err := decodeJSONBody(r, &req); err != nil {
			return nil, err
		}

		params.Content = req.Content
		params.RoomID = req.RoomID
		ttlMinutes = req.TTLMinutes
	}

	params.TTL = minutesToDuration(ttlMinutes)

	res, err := s.lifecycle.CreatePost(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}

	return newJSONResponse(http.StatusCreated, res)
}

type deletePostRequest struct {
	DeleteToken string `json:"deleteToken"`
}

func (s *Server) handleDeletePost(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	id := mux.Vars(r)["id"]

	token := r.Header.Get(DeleteTokenHeader)
	if token == "" {
		var req deletePostRequest
		if err := decodeJSONBody(r, &req); err != nil {
			return nil, err
		}
		token = req.DeleteToken
	}

	if err := s.lifecycle.DeletePost(ctx, id, token); err != nil {
		return nil, translateError(err)
	}

	return newJSONResponse(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListPosts(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	posts, err := s.lifecycle.ListPosts(ctx, r.URL.Query().Get("roomId"))
	if err != nil {
		return nil, translateError(err)
	}

	return newJSONResponse(http.StatusOK, posts)
}

type createRoomRequest struct {
	Label string `json:"label"`
}

type createRoomResponse struct {
	RoomID       string    `json:"roomId"`
	Label        string    `json:"label"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func (s *Server) handleCreateRoom(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req createRoomRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return nil, err
	}

	room, err := s.lifecycle.CreateRoom(ctx, req.Label)
	if err != nil {
		return nil, translateError(err)
	}

	return newJSONResponse(http.StatusCreated, &createRoomResponse{
		RoomID:       room.ID,
		Label:        room.Label,
		LastActiveAt: room.LastActiveAt,
	})
}

func (s *Server) handleHeartbeatRoom(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	if err := s.lifecycle.HeartbeatRoom(ctx, mux.Vars(r)["id"]); err != nil {
		return nil, translateError(err)
	}

	return newJSONResponse(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStats(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	stats, err := s.lifecycle.Stats(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error getting stats: %w", err)
	}

	return newJSONResponse(http.StatusOK, stats)
}

//
// Plumbing
//

type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func newJSONResponse(statusCode int, v any) (*ServerResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("error marshaling response: %w", err)
	}
	return NewServerResponse(statusCode, body, nil), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var (
			resp *ServerResponse
			err  error
		)

		// A declared length is checked up front. Chunked bodies are cut off by
		// MaxBytesReader as they're read instead.
		if r.ContentLength > s.maxBodyBytes {
			err = NewServerError(http.StatusRequestEntityTooLarge, ErrRequestTooLarge.Error())
		} else {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
			}
			resp, err = h(r.Context(), r)
		}

		if err != nil {
			var serverErr *ServerError
			if !errors.As(err, &serverErr) {
				s.logger.Errorf(s.name+": Internal error: %v", err)
				serverErr = NewServerError(http.StatusInternalServerError, ErrInternalError.Error())
			}

			body, _ := json.Marshal(&errorResponse{Error: serverErr.Message})
			w.WriteHeader(serverErr.StatusCode)
			_, _ = w.Write(body)
			return
		}

		for k, vs := range resp.Header {
			w.Header()[k] = vs
		}

		if resp.StatusCode != 0 {
			w.WriteHeader(resp.StatusCode)
		}

		_, _ = w.Write(resp.Body)
	})
}

// minutesToDuration converts a client-provided number of minutes, saturating
// instead of wrapping around so that huge values still fail TTL validation.
func minutesToDuration(minutes int) time.Duration {
	const maxMinutes = int64(math.MaxInt64 / time.Minute)

	switch {
	case int64(minutes) > maxMinutes:
		return time.Duration(math.MaxInt64)
	case int64(minutes) < -maxMinutes:
		return time.Duration(math.MinInt64)
	}

	return time.Duration(minutes) * time.Minute
}

// decodeJSONBody decodes an optional JSON body. An empty body leaves v as is.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return requestBodyError(err)
	}

	return nil
}

func requestBodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return NewServerError(http.StatusRequestEntityTooLarge, ErrRequestTooLarge.Error())
	}
	return NewServerError(http.StatusBadRequest, ErrRequestMalformed.Error())
}
