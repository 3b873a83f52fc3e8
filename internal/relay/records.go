package relay

import (
	"errors"
	"net/http"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay/store"
	"github.com/gin-gonic/gin"
)

type createCallRequest struct {
	GroupID domain.GroupID `json:"groupId" binding:"required"`
}

// CreateCall answers 201 with a new room or 200 with the running one.
func (h *Hub) CreateCall(c *gin.Context) {
	var body createCallRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "groupId is required"})
		return
	}
	claims := ClaimsOf(c)
	rec, created, err := h.records.Create(body.GroupID, claims.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", string(body.GroupID)).Msg("create call record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create call"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.CallRecordsTotal.WithLabelValues("create").Inc()
		h.logger.Info().Str("group_id", string(rec.GroupID)).Str("room_id", string(rec.RoomID)).Msg("call created")
	}
	c.JSON(status, gin.H{"roomId": rec.RoomID})
}

func (h *Hub) CallStatus(c *gin.Context) {
	group := domain.GroupID(c.Param("groupId"))
	status, err := h.records.Status(group)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", string(group)).Msg("call status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read call"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// EndCall closes the record and the room behind it. Only the creator or
// a holder of the moderator role may end a call; ending an ended call
// succeeds without effect.
func (h *Hub) EndCall(c *gin.Context) {
	group := domain.GroupID(c.Param("groupId"))
	rec, err := h.records.Get(group)
	if err == nil && !rec.Active {
		c.JSON(http.StatusOK, gin.H{"roomId": rec.RoomID})
		return
	}
	if err == nil {
		claims := ClaimsOf(c)
		if rec.CreatedBy != claims.UserID && (h.cfg.ModeratorRole == "" || claims.Role != h.cfg.ModeratorRole) {
			c.JSON(http.StatusForbidden, gin.H{"error": errNotModerator.Error()})
			return
		}
		rec, err = h.records.End(group)
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotActive):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active call"})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("group_id", string(group)).Msg("end call record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not end call"})
		return
	}
	metrics.CallRecordsTotal.WithLabelValues("end").Inc()
	h.EndRoom(rec.RoomID)
	c.JSON(http.StatusOK, gin.H{"roomId": rec.RoomID})
}
