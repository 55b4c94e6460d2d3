package apiserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"go.uber.org/zap"
)

type createInstancePayload struct {
	InstanceID   string `json:"instance_id"`
	Name         string `json:"name"`
	WebhookUrl   string `json:"webhook_url"`
	WebhookToken string `json:"webhook_token"`
}

type webhookPayload struct {
	WebhookUrl   string `json:"webhook_url"`
	WebhookToken string `json:"webhook_token"`
}

// instanceView decorates the persisted row with registry-derived liveness.
type instanceView struct {
	domain.Instance
	IsActive bool `json:"is_active"`
}

func (s *Server) createInstance(c echo.Context) error {
	var payload createInstancePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.InstanceID == "" || payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "instance_id and name are required", nil)
	}

	err := s.mgr.Create(c.Request().Context(), payload.InstanceID, payload.Name,
		payload.WebhookUrl, payload.WebhookToken)
	switch {
	case errors.Is(err, instance.ErrAlreadyActive):
		return fail(c, http.StatusConflict, "ALREADY_ACTIVE", "Instance is already active", nil)
	case err != nil:
		zap.L().Warn("api: create instance failed",
			zap.String("instance_id", payload.InstanceID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create instance", err.Error())
	}

	inst, active, err := s.mgr.Status(payload.InstanceID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, instanceView{Instance: *inst, IsActive: active})
}

func (s *Server) listInstances(c echo.Context) error {
	insts, err := s.mgr.List()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instances", err.Error())
	}
	views := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		views = append(views, instanceView{Instance: inst, IsActive: s.mgr.IsActive(inst.ID)})
	}
	return ok(c, views)
}

func (s *Server) getInstanceStatus(c echo.Context) error {
	id := c.Param("id")
	inst, active, err := s.mgr.Status(id)
	switch {
	case errors.Is(err, instance.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, instanceView{Instance: *inst, IsActive: active})
}

// getInstanceQR returns the last issued pairing payload. The caller renders
// the QR image client-side from the raw code string.
func (s *Server) getInstanceQR(c echo.Context) error {
	id := c.Param("id")
	inst, _, err := s.mgr.Status(id)
	switch {
	case errors.Is(err, instance.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, map[string]interface{}{
		"qr_code": inst.QrCode,
		"has_qr":  inst.QrCode != "",
	})
}

func (s *Server) updateInstanceWebhook(c echo.Context) error {
	id := c.Param("id")
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	err := s.mgr.UpdateWebhook(id, payload.WebhookUrl, payload.WebhookToken)
	switch {
	case errors.Is(err, instance.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update webhook", err.Error())
	}
	return ok(c, map[string]interface{}{"updated": true})
}

func (s *Server) deleteInstance(c echo.Context) error {
	id := c.Param("id")
	err := s.mgr.Delete(c.Request().Context(), id)
	switch {
	case errors.Is(err, instance.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case err != nil:
		zap.L().Warn("api: delete instance failed", zap.String("instance_id", id), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete instance", err.Error())
	}
	return ok(c, map[string]interface{}{"deleted": true})
}
