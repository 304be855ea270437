package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/util"
)

// dispatchRequest is the POST body for submitting a notification. The
// envelope is passed through opaque: the dispatcher owns its validation.
type dispatchRequest struct {
	Envelope     json.RawMessage `json:"envelope" binding:"required"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must contain an envelope"})
		return
	}

	resp, err := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Envelope:     req.Envelope,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrNoRoute):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.logger.Error().Err(err).Msg("dispatch failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		}
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// notificationID validates the :id path parameter. Record ids are always
// generated UUIDs, so anything else cannot name a record.
func (s *Server) notificationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := util.ParseUUIDv4(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return "", false
	}
	return id, true
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := s.notificationID(c)
	if !ok {
		return
	}
	notif, err := s.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		s.logger.Error().Err(err).Msg("notification lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, notif)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.lifecycle.GetStats(c.Request.Context(), c.Query("userId"))
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := s.notificationID(c)
	if !ok {
		return
	}
	notif, err := s.lifecycle.UpdateStatus(c.Request.Context(), id, lifecycle.StatusCancelled, lifecycle.TransitionContext{})
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "notification can no longer be cancelled"})
		default:
			s.logger.Error().Err(err).Msg("cancel failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		}
		return
	}
	c.JSON(http.StatusOK, notif)
}

// templateRequest is the POST body for publishing a template version. The
// lifecycle service assigns the version number and activates it.
type templateRequest struct {
	Code         string   `json:"code" binding:"required"`
	Name         string   `json:"name"`
	Channel      string   `json:"channel"`
	Type         string   `json:"type"`
	Subject      string   `json:"subject"`
	BodyTemplate string   `json:"bodyTemplate" binding:"required"`
	Variables    []string `json:"variables"`
}

func (s *Server) handleSaveTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must contain code and bodyTemplate"})
		return
	}

	saved, err := s.lifecycle.SaveTemplateVersion(c.Request.Context(), lifecycle.Template{
		Code:         req.Code,
		Name:         req.Name,
		Channel:      req.Channel,
		Type:         req.Type,
		Subject:      req.Subject,
		BodyTemplate: req.BodyTemplate,
		Variables:    req.Variables,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("code", req.Code).Msg("template save failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "template save failed"})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tpl, err := s.lifecycle.ActiveTemplate(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active template for code"})
			return
		}
		s.logger.Error().Err(err).Msg("template lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "template lookup failed"})
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// handleHealth reports per-dependency health. The queue mode tells callers
// whether submissions currently go through the queue or are sent inline.
func (s *Server) handleHealth(c *gin.Context) {
	redisStatus := s.monitor.CurrentStatus()

	overall := "ok"
	redisState := "up"
	queueMode := dispatch.ModeAsync
	if !redisStatus.Connected {
		overall = "degraded"
		redisState = "down"
		queueMode = dispatch.ModeSync
	}

	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": overall,
		"services": gin.H{
			"api": gin.H{"status": "up"},
			"redis": gin.H{
				"status":    redisState,
				"connected": redisStatus.Connected,
				"host":      redisStatus.Host,
				"port":      redisStatus.Port,
				"attempts":  redisStatus.Attempts,
			},
			"queue": gin.H{
				"status": redisState,
				"mode":   queueMode,
			},
		},
	})
}
