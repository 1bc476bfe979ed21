// Package server exposes the capture service over HTTP for remote control.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/memocapture/internal/encoding"
	"github.com/audiolibrelab/memocapture/internal/service"
	"github.com/audiolibrelab/memocapture/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// DefaultEventInterval is how often /api/events pushes a status snapshot
const DefaultEventInterval = 100 * time.Millisecond

// Server represents the web server for controlling MemoCapture
type Server struct {
	service       service.Service
	address       string
	eventInterval time.Duration

	router *gin.Engine
	http   *http.Server
}

// StartRequest is the optional body of POST /api/start
type StartRequest struct {
	Name string `json:"name" form:"name"`
}

// ProfileRequest is the body of POST /api/profile
type ProfileRequest struct {
	Profile string `json:"profile" form:"profile" binding:"required"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// StopResponse is returned by POST /api/stop
type StopResponse struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message"`
	Recording *service.Recording `json:"recording,omitempty"`
}

// FilesResponse lists the recordings in the output directory
type FilesResponse struct {
	Files     []service.RecordingInfo `json:"files"`
	Directory string                  `json:"directory"`
	Count     int                     `json:"count"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New creates a new web server for svc listening on address
func New(svc service.Service, address string) *Server {
	s := &Server{
		service:       svc,
		address:       address,
		eventInterval: DefaultEventInterval,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEvents)
		api.GET("/artifact", s.handleArtifact)
		api.GET("/files", s.handleFiles)
		api.GET("/files/download/:name", s.handleFileDownload)

		api.POST("/start", s.handleStart)
		api.POST("/pause", s.handlePause)
		api.POST("/resume", s.handleResume)
		api.POST("/stop", s.handleStop)
		api.POST("/discard", s.handleDiscard)
		api.POST("/playback", s.handlePlayback)
		api.POST("/profile", s.handleProfile)
	}
	return r
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	slog.Info("Starting MemoCapture Web Server",
		"address", s.address,
		"local_url", fmt.Sprintf("http://%s", displayAddress(s.address)))

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			s.sendErrorResponse(c, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err), "operation", "start")
			return
		}
	}

	slog.Info("Server: starting recording", "name", req.Name)
	// The take outlives the request, so acquisition is not tied to its context.
	if err := s.service.Start(context.WithoutCancel(c.Request.Context()), req.Name); err != nil {
		s.sendErrorResponse(c, statusFor(err), err, "operation", "start", "name", req.Name)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.service.Pause(); err != nil {
		s.sendErrorResponse(c, statusFor(err), err, "operation", "pause")
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording paused"})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.service.Resume(); err != nil {
		s.sendErrorResponse(c, statusFor(err), err, "operation", "resume")
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording resumed"})
}

func (s *Server) handleStop(c *gin.Context) {
	rec, err := s.service.Stop()
	if err != nil {
		s.sendErrorResponse(c, statusFor(err), err, "operation", "stop")
		return
	}

	message := "Recording stopped"
	if rec != nil && rec.Partial {
		message = "Recording stopped; the take is incomplete"
	}
	c.JSON(http.StatusOK, StopResponse{Success: true, Message: message, Recording: rec})
}

func (s *Server) handleDiscard(c *gin.Context) {
	s.service.Discard()
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

func (s *Server) handlePlayback(c *gin.Context) {
	if err := s.service.TogglePlayback(); err != nil {
		s.sendErrorResponse(c, statusFor(err), err, "operation", "playback")
		return
	}
	message := "Playback paused"
	if s.service.Status().Playing {
		message = "Playback started"
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: message})
}

func (s *Server) handleProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBind(&req); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Errorf("profile is required"), "operation", "profile")
		return
	}
	if err := s.service.LoadProfile(req.Profile); err != nil {
		status := http.StatusBadRequest
		if s.service.Status().State.Active() {
			status = http.StatusConflict
		}
		s.sendErrorResponse(c, status, err, "operation", "profile", "profile", req.Profile)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' loaded", req.Profile)})
}

// handleArtifact serves the finished take still held by the session
func (s *Server) handleArtifact(c *gin.Context) {
	artifact := s.service.Artifact()
	if artifact == nil {
		s.sendErrorResponse(c, http.StatusNotFound, session.ErrNoArtifact, "operation", "artifact")
		return
	}

	filename := "memo" + encoding.Extension(artifact.Format)
	if rec := s.service.LastRecording(); rec != nil {
		filename = filepath.Base(rec.File)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	c.Data(http.StatusOK, artifact.Format, artifact.Payload)
}

func (s *Server) handleFiles(c *gin.Context) {
	files, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, err, "operation", "list_files")
		return
	}
	if files == nil {
		files = []service.RecordingInfo{}
	}
	c.JSON(http.StatusOK, FilesResponse{
		Files:     files,
		Directory: s.service.GetConfig().Output.Directory,
		Count:     len(files),
	})
}

func (s *Server) handleFileDownload(c *gin.Context) {
	filename := c.Param("name")

	// Validate filename (prevent path traversal)
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		c.String(http.StatusBadRequest, "Invalid filename")
		return
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if encoding.FormatForExtension(ext) == "" {
		c.String(http.StatusForbidden, "File type not supported")
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			c.String(http.StatusNotFound, "File not found")
		} else {
			c.String(http.StatusInternalServerError, "Error accessing file")
		}
		return
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.FileAttachment(filePath, filename)
}

// handleEvents streams status snapshots over a websocket until the client
// goes away.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads are only needed to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.eventInterval)
	defer ticker.Stop()

	slog.Debug("Event stream opened", "remote", c.Request.RemoteAddr)
	for {
		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := conn.WriteJSON(s.service.Status()); err != nil {
			slog.Debug("Event stream closed", "remote", c.Request.RemoteAddr, "error", err)
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			slog.Debug("Event stream closed by client", "remote", c.Request.RemoteAddr)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoArtifact):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNoPlayer):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrDeviceUnavailable), errors.Is(err, session.ErrUnsupportedFormat):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sendErrorResponse logs and sends a JSON error response
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, err error, logContext ...any) {
	logFields := []any{"error", err, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	resp := GenericResponse{Success: false, Error: err.Error()}
	var serr *session.Error
	if errors.As(err, &serr) {
		resp.Kind = string(serr.Kind)
		resp.Message = serr.Message()
	}
	c.JSON(statusCode, resp)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// displayAddress fills in a reachable host for addresses like ":8787"
func displayAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return address
	}
	return net.JoinHostPort(getLocalIP(), port)
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
