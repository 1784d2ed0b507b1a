// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package gateway_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	internal_call "github.com/rapidaai/lingua/api/gateway-api/internal/call"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/config"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Call control surface
// ============================================================================

type CallApi interface {
	CreateCall(c *gin.Context)
	GetCall(c *gin.Context)
	ListRecentCalls(c *gin.Context)
}

type callApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	manager *internal_call.Manager
}

func NewCallApi(cfg *config.AppConfig, logger commons.Logger, manager *internal_call.Manager) CallApi {
	return &callApi{cfg: cfg, logger: logger, manager: manager}
}

type createCallRequest struct {
	Service     string `json:"service"`
	Provider    string `json:"provider"`
	BargeInMode string `json:"bargeInMode"`
}

func (a *callApi) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	mode, err := internal_type.ParseGateMode(req.BargeInMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BargeInMode == "" {
		mode, _ = internal_type.ParseGateMode(a.cfg.OutboundGateMode)
	}

	service := req.Service
	if service == "" {
		service = a.cfg.ServiceURL
	}
	provider := req.Provider
	if provider == "" {
		provider = a.cfg.Provider
	}

	call, err := a.manager.CreateCall(service, provider, mode)
	if err != nil {
		a.logger.Errorw("call creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to create call"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"callCode": call.Code})
}

func (a *callApi) GetCall(c *gin.Context) {
	call := a.manager.GetCall(c.Param("code"))
	if call == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"callCode":         call.Code,
		"service":          call.ServiceURL,
		"provider":         call.Provider,
		"bargeInMode":      string(call.BargeInMode),
		"participantCount": call.ParticipantCount(),
		"participants":     call.Participants(),
	})
}

func (a *callApi) ListRecentCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": a.manager.ListRecentCalls()})
}
