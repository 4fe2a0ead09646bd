package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/adapters/schedule"
	"github.com/curago/telemed/internal/adapters/signal"
	"github.com/curago/telemed/internal/app"
	"github.com/curago/telemed/internal/config"
	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

type scheduleRequest struct {
	ID               string    `json:"id"`
	Roles            []string  `json:"roles" binding:"required,min=1,dive,oneof=doctor patient observer"`
	Capacity         int       `json:"capacity"`
	ScheduledStart   time.Time `json:"scheduledStart" binding:"required"`
	RecordingEnabled bool      `json:"recordingEnabled"`
}

// SetupRouter wires the REST admin surface and the WS signaling endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, coord *app.Coordinator, dir *schedule.Directory, chat core.ChatStore, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	// POST /api/consultations — the scheduling collaborator's ingress.
	api.POST("/consultations", func(c *gin.Context) {
		var req scheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		roles := make([]domain.Role, 0, len(req.Roles))
		for _, s := range req.Roles {
			role, err := domain.ParseRole(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role: " + s})
				return
			}
			roles = append(roles, role)
		}
		entry := schedule.Entry{
			ID:               domain.ConsultationID(req.ID),
			Roles:            roles,
			Capacity:         req.Capacity,
			ScheduledStart:   req.ScheduledStart,
			RecordingEnabled: req.RecordingEnabled,
		}
		if err := dir.Schedule(entry); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("consultation", req.ID).Msg("consultation scheduled")
		c.JSON(http.StatusCreated, entry)
	})

	// GET /api/consultations — scheduled entries plus live state where known.
	api.GET("/consultations", func(c *gin.Context) {
		type item struct {
			schedule.Entry
			State   domain.State `json:"state"`
			Members int          `json:"members"`
		}
		entries := dir.List()
		out := make([]item, 0, len(entries))
		for _, e := range entries {
			it := item{Entry: e, State: domain.StateScheduled}
			if view, err := coord.Consultation(e.ID); err == nil {
				it.State = view.State
				it.Members = len(view.Members)
			}
			out = append(out, it)
		}
		c.JSON(http.StatusOK, gin.H{"consultations": out})
	})

	// GET /api/consultations/:id — state, membership, timestamps.
	api.GET("/consultations/:id", func(c *gin.Context) {
		id := domain.ConsultationID(c.Param("id"))
		if view, err := coord.Consultation(id); err == nil {
			c.JSON(http.StatusOK, view)
			return
		}
		entry, ok := dir.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
			return
		}
		c.JSON(http.StatusOK, app.ConsultationView{
			ID:             id,
			State:          domain.StateScheduled,
			ScheduledStart: entry.ScheduledStart,
		})
	})

	// POST /api/consultations/:id/end — external completion signal.
	api.POST("/consultations/:id/end", func(c *gin.Context) {
		id := domain.ConsultationID(c.Param("id"))
		known := dir.MarkEnded(id)
		err := coord.EndExternally(id)
		if !known && err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// GET /api/consultations/:id/chat — persisted chat log read-back.
	api.GET("/consultations/:id/chat", func(c *gin.Context) {
		id := domain.ConsultationID(c.Param("id"))
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		frames, err := chat.History(c.Request.Context(), id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chat history unavailable"})
			return
		}
		messages := make([]json.RawMessage, 0, len(frames))
		for _, f := range frames {
			messages = append(messages, json.RawMessage(f))
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	})

	r.GET("/ws/consultations/:id", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	return r
}
