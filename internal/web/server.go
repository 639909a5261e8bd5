package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	codec      compressor.Codec
	stats      *statistics.Statistics
	sessions   *SessionRegistry
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	cancel     context.CancelFunc
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

type QualityRequest struct {
	Quality *int `json:"quality"`
}

type SessionPayload struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	View      compressor.View `json:"view"`
}

type SelectFilePayload struct {
	Generation uint64          `json:"generation"`
	Stale      bool            `json:"stale,omitempty"`
	View       compressor.View `json:"view"`
}

type ViewPayload struct {
	Event string          `json:"event,omitempty"`
	View  compressor.View `json:"view"`
}

type AlertPayload struct {
	Kind  string `json:"kind"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, codec compressor.Codec, stats *statistics.Statistics) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		codec:  codec,
		stats:  stats,
		router: mux.NewRouter(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}
	s.sessions = NewSessionRegistry(log, stats, cfg.Session.IdleTimeout, func() *compressor.Flow {
		return compressor.NewFlow(s.codec, cfg.Quality(), log)
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(recoverMiddleware(s.log), loggingMiddleware(s.log))

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")

	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/file", s.handleSelectFile).Methods("POST")
	api.HandleFunc("/sessions/{id}/quality", s.handleSetQuality).Methods("PUT")
	api.HandleFunc("/sessions/{id}/original", s.handleOriginal).Methods("GET")
	api.HandleFunc("/sessions/{id}/compressed", s.handleCompressed).Methods("GET")
	api.HandleFunc("/sessions/{id}/download", s.handleDownload).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", s.handleWebSocket)

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sessions.Run(ctx, s.cfg.Session.SweepInterval)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.log.Infof("Starting web server on http://%s", s.cfg.Address())
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.sessions.CloseAll()
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Create()
	s.writeJSONStatus(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    SessionPayload{ID: session.ID, CreatedAt: session.Created, View: session.Flow.View()},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    SessionPayload{ID: session.ID, CreatedAt: session.Created, View: session.Flow.View()},
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.sessions.Delete(id) {
		s.writeError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Session closed"})
}

// handleSelectFile accepts a multipart upload; only the first "file" part is
// used. With ?wait=true the response is delayed until the decode completes.
func (s *Server) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	limit := s.cfg.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Sprintf("File exceeds %s", compressor.FormatFileSize(limit)), http.StatusRequestEntityTooLarge)
			return
		}
		s.writeError(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return
	}
	header := files[0]
	if header.Size > limit {
		s.writeError(w, fmt.Sprintf("File exceeds %s", compressor.FormatFileSize(limit)), http.StatusRequestEntityTooLarge)
		return
	}

	f, err := header.Open()
	if err != nil {
		s.writeError(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		s.writeError(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	log := logger.WithSessionOperation(s.log, session.ID, "select_file")
	log.WithFields(logrus.Fields{
		"file":  header.Filename,
		"size":  len(data),
		"parts": len(files),
	}).Debug("Received upload")

	src := compressor.SourceFile{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Size:     int64(len(data)),
		Data:     data,
	}

	// The decode outlives this request; only the flow's lifetime bounds it.
	pending, err := session.Flow.SelectFile(context.WithoutCancel(r.Context()), src)
	if err != nil {
		log.WithError(err).Info("Upload rejected")
		s.writeFlowError(w, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
			Success: true,
			Message: "Decoding started",
			Data:    SelectFilePayload{Generation: pending.Generation, View: session.Flow.View()},
		})
		return
	}

	res, err := pending.Wait(r.Context())
	if err != nil {
		log.WithError(err).Info("Decode did not complete")
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    SelectFilePayload{Generation: res.Generation, Stale: res.Stale, View: res.View},
	})
}

func (s *Server) handleSetQuality(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var req QualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quality == nil {
		s.writeError(w, "Quality is required", http.StatusBadRequest)
		return
	}

	q, err := compressor.QualityFromPercent(*req.Quality)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	view, err := session.Flow.SetQuality(q)
	if err != nil {
		logger.WithSessionOperation(s.log, session.ID, "set_quality").WithError(err).Warn("Quality change failed")
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: ViewPayload{View: view}})
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	img, ok := session.Flow.Image()
	if !ok {
		s.writeError(w, "No image loaded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", img.SourceMIME)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Preview)))
	w.Write(img.Preview)
}

func (s *Server) handleCompressed(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	out, ok := session.Flow.Output()
	if !ok {
		s.writeError(w, "No compressed image", http.StatusNotFound)
		return
	}

	etag := strconv.Quote(out.Hash)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", compressor.OutputContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Write(out.Data)
}

// handleDownload saves the current output. Before anything was encoded the
// action is inert and answers 204 with no body.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	log := logger.WithSessionOperation(s.log, session.ID, "download")
	d, ok := session.Flow.Download()
	if !ok {
		log.Debug("Nothing to download yet")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.WithField("bytes", len(d.Data)).Info("Serving download")

	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	w.Header().Set("ETag", strconv.Quote(d.Hash))
	w.Write(d.Data)
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"active_sessions": s.sessions.Len(),
			"statistics":      s.stats.Snapshot(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		session.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := newWSClient(conn)
	session.addClient(client)
	go client.writeLoop(session.log)
	session.log.Debug("WebSocket client connected")

	defer func() {
		session.removeClient(client)
		session.log.Debug("WebSocket client disconnected")
	}()

	if !session.send(client, WSMessage{Type: "view", Data: ViewPayload{View: session.Flow.View()}}) {
		return
	}

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		session.touch()
	}
}

// session resolves the {id} route variable, writing 404 when unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	session, ok := s.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Session not found", http.StatusNotFound)
	}
	return session, ok
}

func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, compressor.ErrInvalidInputKind):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, compressor.ErrQualityOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, compressor.ErrDecodeFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, compressor.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    errorCode(err),
	})
}

// errorCode maps flow errors to stable identifiers for the page.
func errorCode(err error) string {
	switch {
	case errors.Is(err, compressor.ErrInvalidInputKind):
		return "invalid_input_kind"
	case errors.Is(err, compressor.ErrImageTooLarge):
		return "image_too_large"
	case errors.Is(err, compressor.ErrDecodeFailed):
		return "decode_failed"
	case errors.Is(err, compressor.ErrEncodeFailed):
		return "encode_failed"
	case errors.Is(err, compressor.ErrQualityOutOfRange):
		return "quality_out_of_range"
	case errors.Is(err, compressor.ErrClosed):
		return "session_closed"
	default:
		return "internal"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("Failed to write JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
