package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/orchestrator"
	"github.com/shao3d/experts-panel/pkg/progress"
)

// keepAliveInterval is the idle gap after which a keep-alive frame is
// emitted on the SSE stream.
const keepAliveInterval = 5 * time.Second

// queryHandler serves POST /api/v1/query. With stream_progress (the
// default) the response is an SSE stream terminated by a complete event;
// otherwise a single JSON body.
func (s *Server) queryHandler(c *gin.Context) {
	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "bad request"})
		return
	}

	requestID := uuid.New().String()

	if req.Streaming() {
		s.streamQuery(c, req, requestID)
		return
	}

	bus := s.newBus()
	// Nobody consumes the bus in non-streaming mode; the bounded queue
	// absorbs what fits and drops the rest.
	resp, err := s.newOrchestrator().Run(c.Request.Context(), req, requestID, bus)
	bus.Close()
	if err != nil {
		status, payload := errorPayload(err, requestID)
		c.JSON(status, payload)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamQuery runs the orchestrator in a goroutine and drains the
// progress bus into the SSE stream, emitting keep-alives on idle and the
// terminal frame when the run finishes. A failed downstream write cancels
// the run; remaining events are drained and discarded.
func (s *Server) streamQuery(c *gin.Context, req models.QueryRequest, requestID string) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	bus := s.newBus()

	type runResult struct {
		resp *models.MultiExpertResponse
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		resp, err := s.newOrchestrator().Run(ctx, req, requestID, bus)
		bus.Close()
		done <- runResult{resp: resp, err: err}
	}()

	writer := newSSEWriter(c.Writer)
	writer.WriteHeader()

	idle := time.NewTimer(keepAliveInterval)
	defer idle.Stop()

	clientGone := false
	for events := bus.Events(); events != nil; {
		select {
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if clientGone {
				continue // drain without encoding
			}
			if err := writer.WriteEvent(evt); err != nil {
				s.logger.Info("SSE consumer disconnected", "request_id", requestID)
				clientGone = true
				cancel()
				continue
			}
			resetTimer(idle, keepAliveInterval)

		case <-idle.C:
			if !clientGone {
				if err := writer.WriteKeepAlive(); err != nil {
					clientGone = true
					cancel()
				}
			}
			idle.Reset(keepAliveInterval)
		}
	}

	result := <-done
	if clientGone {
		return
	}

	if result.err != nil {
		evt := terminalErrorEvent(result.err, requestID)
		_ = writer.WriteEvent(evt)
		return
	}
	complete := progress.NewEvent(progress.EventComplete, "", "done", "")
	complete.Data = map[string]any{"response": result.resp}
	_ = writer.WriteEvent(complete)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// terminalErrorEvent converts a run failure into the stream's last frame.
func terminalErrorEvent(err error, requestID string) progress.Event {
	var qerr *orchestrator.QueryError
	if !errors.As(err, &qerr) {
		qerr = orchestrator.NewQueryError(orchestrator.ErrInternal, err)
	}
	evt := progress.NewEvent(progress.EventError, "", string(qerr.Type), qerr.UserMessage)
	evt.Data = map[string]any{"request_id": requestID, "type": string(qerr.Type)}
	return evt
}

// errorPayload maps a run failure to a JSON status and body.
func errorPayload(err error, requestID string) (int, gin.H) {
	var qerr *orchestrator.QueryError
	if !errors.As(err, &qerr) {
		qerr = orchestrator.NewQueryError(orchestrator.ErrInternal, err)
	}
	status := http.StatusInternalServerError
	switch qerr.Type {
	case orchestrator.ErrInvalidInput:
		status = http.StatusBadRequest
	case orchestrator.ErrNoExpertsAvailable, orchestrator.ErrQuotaExhausted:
		status = http.StatusServiceUnavailable
	case orchestrator.ErrDeadline:
		status = http.StatusGatewayTimeout
	}
	return status, gin.H{
		"error":      string(qerr.Type),
		"message":    qerr.UserMessage,
		"request_id": requestID,
	}
}
