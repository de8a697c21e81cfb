package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxSessionLogBytes bounds the size of an uploaded session log.
const maxSessionLogBytes = 32 << 20

// Server exposes a Session over HTTP.
type Server struct {
	session  *Session
	config   *Config
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
}

// NewServer creates the host API for session. Metrics are served from
// gatherer (the default gatherer when nil).
func NewServer(session *Session, config *Config, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		session:  session,
		config:   config,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Request().Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

// callContext bounds one backend call by the configured call timeout.
func (s *Server) callContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), s.config.CallTimeout)
}

// errorStatus maps pipeline errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrPlaybackActive):
		return http.StatusConflict
	case errors.Is(err, ErrPlaybackParse):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func (s *Server) handleChat(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/chat")
	requestLogger.Info("Received chat request")

	var req ChatRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		requestLogger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	ctx, cancel := s.callContext(c)
	defer cancel()

	startTime := time.Now()
	resp, err := s.session.Chat(ctx, req.Message)
	executionTime := time.Since(startTime)
	if err != nil {
		requestLogger.WithError(err).WithField("executionTime", executionTime).Error("Chat failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}

	requestLogger.WithFields(logrus.Fields{
		"executionTime":  executionTime,
		"taskId":         resp.TaskID,
		"responseLength": len(resp.Response),
		"raw":            resp.Raw,
	}).Info("Chat completed")
	return c.JSON(http.StatusOK, resp)
}

// handleStreamChat streams snapshot updates of the focused thread as
// server-sent events until it completes.
func (s *Server) handleStreamChat(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/chat/stream")
	requestLogger.Info("Received streaming chat request")

	var req ChatRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		requestLogger.WithError(err).Error("Failed to parse streaming request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	// Listeners run on the bus goroutine and must not block it.
	changes := make(chan Change, 64)
	sub := s.session.Aggregator().OnChange(func(change Change) {
		if !change.Focused && change.Shape != ShapeRaw {
			return
		}
		select {
		case changes <- change:
		default:
			s.session.metrics.DroppedUpdate("slow_client")
		}
	})
	defer sub.Unsubscribe()

	ctx, cancel := s.callContext(c)
	pending, err := s.session.StreamChat(ctx, req.Message)
	cancel()
	if err != nil {
		requestLogger.WithError(err).Error("Streaming chat failed to start")
		return c.JSON(errorStatus(err), errorBody(err))
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	startTime := time.Now()
	streamCtx := c.Request().Context()
	for {
		select {
		case change := <-changes:
			s.sendStreamMessage(c, streamMessage(change))
		case <-pending.Done():
			snap, err := pending.Wait(streamCtx)
			if err != nil {
				s.sendStreamMessage(c, StreamMessage{Type: "error", Content: err.Error(), Complete: true})
				return nil
			}
			reply, _ := ExtractReply(snap)
			s.sendStreamMessage(c, StreamMessage{Type: "completed", Content: reply, Snapshot: &snap, Complete: true})
			requestLogger.WithFields(logrus.Fields{
				"executionTime": time.Since(startTime),
				"taskId":        snap.TaskID,
			}).Info("Streaming chat completed")
			return nil
		case <-streamCtx.Done():
			s.session.Aggregator().Forget(pending, streamCtx.Err())
			requestLogger.Info("Streaming client disconnected")
			return nil
		}
	}
}

func streamMessage(change Change) StreamMessage {
	if change.Shape == ShapeRaw {
		return StreamMessage{Type: "raw", Content: string(change.Raw)}
	}
	snap := change.Snapshot
	msg := StreamMessage{Type: "snapshot", Snapshot: &snap}
	if change.TaskCreated {
		msg.Type = "task_created"
		msg.Content = snap.TaskID
	}
	return msg
}

func (s *Server) sendStreamMessage(c echo.Context, msg StreamMessage) {
	data, _ := json.Marshal(msg)
	fmt.Fprintf(c.Response(), "data: %s\n\n", string(data))
	c.Response().Flush()
}

func (s *Server) handleStatus(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/status")
	requestLogger.Debug("Health check requested")

	response := s.session.Status()
	response["status"] = "healthy"
	response["workingDir"] = s.config.WorkingDir
	response["backendURL"] = s.config.BackendURL
	return c.JSON(http.StatusOK, response)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Aggregator().Snapshot())
}

func (s *Server) handleListTasks(c echo.Context) error {
	if c.QueryParam("refresh") == "true" {
		ctx, cancel := s.callContext(c)
		defer cancel()
		if err := s.session.Tasks().Refresh(ctx); err != nil {
			s.requestLogger(c, "/tasks").WithError(err).Warn("Task refresh failed")
			return c.JSON(errorStatus(err), errorBody(err))
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": s.session.Tasks().Tasks(),
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	taskID := c.Param("taskId")
	requestLogger := s.requestLogger(c, "/tasks/:taskId").WithField("taskId", taskID)

	ctx, cancel := s.callContext(c)
	defer cancel()

	var snap TaskSnapshot
	var err error
	if c.QueryParam("focus") == "true" {
		snap, err = s.session.SelectTask(ctx, taskID)
	} else {
		snap, err = s.session.GetTask(ctx, taskID)
	}
	if err != nil {
		requestLogger.WithError(err).Warn("Task lookup failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	taskID := c.Param("taskId")
	requestLogger := s.requestLogger(c, "/tasks/:taskId").WithField("taskId", taskID)

	ctx, cancel := s.callContext(c)
	defer cancel()

	snap, err := s.session.CancelTask(ctx, taskID)
	if err != nil {
		requestLogger.WithError(err).Error("Task cancel failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	requestLogger.Info("Task canceled")
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSearchMemory(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/memory")

	req := SearchMemoryRequest{Query: c.QueryParam("q")}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		req.Limit = limit
	}
	if raw := c.QueryParam("minScore"); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid minScore"})
		}
		req.MinScore = &score
	}

	ctx, cancel := s.callContext(c)
	defer cancel()

	entries, err := s.session.SearchMemory(ctx, req)
	if err != nil {
		requestLogger.WithError(err).Error("Memory search failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	requestLogger.WithField("results", len(entries)).Debug("Memory search completed")
	return c.JSON(http.StatusOK, map[string]interface{}{"results": entries})
}

func (s *Server) handleSaveMemory(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/memory")

	var req SaveMemoryRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		requestLogger.WithError(err).Error("Failed to parse memory body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	ctx, cancel := s.callContext(c)
	defer cancel()

	id, err := s.session.SaveMemory(ctx, req)
	if err != nil {
		requestLogger.WithError(err).Error("Memory save failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteMemory(c echo.Context) error {
	id := c.Param("id")
	requestLogger := s.requestLogger(c, "/memory/:id").WithField("memoryId", id)

	ctx, cancel := s.callContext(c)
	defer cancel()

	deleted, err := s.session.DeleteMemory(ctx, id)
	if err != nil {
		requestLogger.WithError(err).Error("Memory delete failed")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Memory entry not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

func (s *Server) handleStartRecording(c echo.Context) error {
	if err := s.session.Recorder().Start(); err != nil {
		s.requestLogger(c, "/recorder/start").WithError(err).Warn("Recording not started")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"state": s.session.Recorder().State()})
}

func (s *Server) handleStopRecording(c echo.Context) error {
	s.session.Recorder().Stop()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"state":   s.session.Recorder().State(),
		"entries": len(s.session.Recorder().Logs()),
	})
}

// handleRecorderLog downloads the captured session as a JSON array.
func (s *Server) handleRecorderLog(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.session.Recorder().Save(&buf); err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="session.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, buf.Bytes())
}

func (s *Server) handlePlayback(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/playback")

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSessionLogBytes))
	if err != nil {
		requestLogger.WithError(err).Error("Failed to read session log")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if _, err := s.session.Replay(data); err != nil {
		requestLogger.WithError(err).Warn("Playback rejected")
		return c.JSON(errorStatus(err), errorBody(err))
	}
	requestLogger.WithField("bytes", len(data)).Info("Playback started")
	return c.JSON(http.StatusAccepted, map[string]interface{}{"state": s.session.Playback().State()})
}

func (s *Server) handleActivity(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": s.session.Activity().Recent(limit),
	})
}

func (s *Server) handleClearActivity(c echo.Context) error {
	cleared := s.session.Activity().Clear()
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": cleared})
}

func (s *Server) handleTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": s.session.Registry().Definitions(),
	})
}

func (s *Server) handleCancelTool(c echo.Context) error {
	id := c.Param("requestId")
	requestLogger := s.requestLogger(c, "/tools/:requestId").WithField("requestId", id)

	if !s.session.Bridge().Cancel(id) {
		requestLogger.Warn("No running execution to cancel")
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No running execution for request"})
	}
	requestLogger.Info("Tool execution cancel requested")
	return c.JSON(http.StatusOK, map[string]interface{}{"canceled": true, "requestId": id})
}

// RegisterRoutes registers all HTTP routes for the server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	// Conversation
	e.POST("/chat", s.handleChat)
	e.POST("/chat/stream", s.handleStreamChat)
	e.GET("/snapshot", s.handleSnapshot)
	e.GET("/status", s.handleStatus)

	// Tasks
	e.GET("/tasks", s.handleListTasks)
	e.GET("/tasks/:taskId", s.handleGetTask)
	e.DELETE("/tasks/:taskId", s.handleCancelTask)

	// Memory
	e.GET("/memory", s.handleSearchMemory)
	e.POST("/memory", s.handleSaveMemory)
	e.DELETE("/memory/:id", s.handleDeleteMemory)

	// Recording and playback
	e.POST("/recorder/start", s.handleStartRecording)
	e.POST("/recorder/stop", s.handleStopRecording)
	e.GET("/recorder/log", s.handleRecorderLog)
	e.POST("/playback", s.handlePlayback)

	// Introspection
	e.GET("/activity", s.handleActivity)
	e.DELETE("/activity", s.handleClearActivity)
	e.GET("/tools", s.handleTools)
	e.DELETE("/tools/:requestId", s.handleCancelTool)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.logger.Info("Routes registered successfully")
}
