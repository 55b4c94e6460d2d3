package apiserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"go.uber.org/zap"
)

type sendMessagePayload struct {
	To    string `json:"to"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (s *Server) sendMessage(c echo.Context) error {
	id := c.Param("id")
	var payload sendMessagePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || (payload.Text == "" && payload.Image == "") {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text or image are required", nil)
	}

	msgID, err := s.relay.Send(c.Request().Context(), id, payload.To, payload.Text, payload.Image)
	switch {
	case errors.Is(err, instance.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance is not active", nil)
	case err != nil:
		zap.L().Warn("api: send message failed", zap.String("instance_id", id), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}
	return ok(c, map[string]interface{}{"message_id": msgID})
}

func (s *Server) listMessages(c echo.Context) error {
	id := c.Param("id")
	page, pageSize := parsePagination(c)

	db := s.app.DB().Model(&domain.Message{}).Where("instance_id = ?", id)
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	var msgs []domain.Message
	if err := db.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&msgs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return paged(c, msgs, total, page, pageSize)
}

func (s *Server) listWebhookLogs(c echo.Context) error {
	id := c.Param("id")
	page, pageSize := parsePagination(c)

	db := s.app.DB().Model(&domain.WebhookLog{}).Where("instance_id = ?", id)
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query webhook logs", err.Error())
	}
	var logs []domain.WebhookLog
	if err := db.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query webhook logs", err.Error())
	}
	return paged(c, logs, total, page, pageSize)
}
