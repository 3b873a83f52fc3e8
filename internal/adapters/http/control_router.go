package http

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/chat"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/control"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/session"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Session is what the control API drives; *session.Controller implements it.
type Session interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Participants(ctx context.Context) ([]domain.Participant, error)
	ToggleMic(ctx context.Context) error
	ToggleCamera(ctx context.Context) error
	ToggleScreenShare(ctx context.Context) error
	Mute(ctx context.Context, id domain.ParticipantID) error
	Unmute(ctx context.Context, id domain.ParticipantID) error
	SendGroup(ctx context.Context, content string, att *domain.Attachment) (domain.ChatMessage, error)
	SendPrivate(ctx context.Context, to domain.ParticipantID, content string, att *domain.Attachment) (domain.ChatMessage, error)
	History(ctx context.Context, scope domain.Scope) ([]domain.ChatMessage, error)
	Flags() domain.MediaFlags
	Leave()
	End(ctx context.Context) error
}

type chatRequest struct {
	Content string `json:"content"`
	File    *struct {
		Name string `json:"name" binding:"required"`
		// Data is base64.
		Data string `json:"data"`
	} `json:"file"`
}

// SetupControlRouter exposes the local session to a presentation layer.
func SetupControlRouter(mode string, s Session) *gin.Engine {
	r := newEngine(mode)

	r.GET("/session", func(c *gin.Context) {
		snap, err := s.Snapshot(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})
	r.GET("/participants", func(c *gin.Context) {
		list, err := s.Participants(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	})

	controls := r.Group("/controls")
	toggles := map[string]func(context.Context) error{
		"mic":    s.ToggleMic,
		"camera": s.ToggleCamera,
		"screen": s.ToggleScreenShare,
	}
	for name, toggle := range toggles {
		toggle := toggle
		controls.POST("/"+name, func(c *gin.Context) {
			if err := toggle(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, s.Flags())
		})
	}

	moderation := r.Group("/moderation")
	moderation.POST("/mute/:id", func(c *gin.Context) {
		if err := s.Mute(c.Request.Context(), domain.ParticipantID(c.Param("id"))); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})
	moderation.POST("/unmute/:id", func(c *gin.Context) {
		if err := s.Unmute(c.Request.Context(), domain.ParticipantID(c.Param("id"))); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	r.POST("/chat/group", func(c *gin.Context) {
		content, att, ok := bindChat(c)
		if !ok {
			return
		}
		msg, err := s.SendGroup(c.Request.Context(), content, att)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, msg)
	})
	r.POST("/chat/private/:id", func(c *gin.Context) {
		content, att, ok := bindChat(c)
		if !ok {
			return
		}
		msg, err := s.SendPrivate(c.Request.Context(), domain.ParticipantID(c.Param("id")), content, att)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, msg)
	})
	r.GET("/chat/history", func(c *gin.Context) {
		scope := domain.GroupScope()
		if peer := c.Query("with"); peer != "" {
			scope = domain.PrivateScope(domain.ParticipantID(peer))
		}
		msgs, err := s.History(c.Request.Context(), scope)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	r.POST("/leave", func(c *gin.Context) {
		s.Leave()
		c.Status(http.StatusNoContent)
	})
	r.POST("/end", func(c *gin.Context) {
		if err := s.End(c.Request.Context()); err != nil {
			log.Warn().Str("module", "adapters.http").Err(err).Msg("end call incomplete")
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Msg("control router setup")
	return r
}

func bindChat(c *gin.Context) (string, *domain.Attachment, bool) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", nil, false
	}
	if body.File == nil {
		return body.Content, nil, true
	}
	data, err := base64.StdEncoding.DecodeString(body.File.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file data is not base64"})
		return "", nil, false
	}
	att, err := chat.NewAttachment(body.File.Name, data)
	if err != nil {
		fail(c, err)
		return "", nil, false
	}
	return body.Content, att, true
}

// fail maps session errors onto status codes.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var netErr *domain.NetworkError
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		status = http.StatusGone
	case errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrAttachmentTooLarge),
		errors.Is(err, control.ErrSelfModeration):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownRecipient):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.As(err, &netErr):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
