// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package gateway_routers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	gateway_api "github.com/rapidaai/lingua/api/gateway-api/api"
	internal_call "github.com/rapidaai/lingua/api/gateway-api/internal/call"
	"github.com/rapidaai/lingua/config"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Gateway HTTP router
// ============================================================================

// New wires the gateway's HTTP surface: the call control API, the downstream
// WebSocket endpoint, and a health probe. The returned manager must be
// started so the idle-call reaper runs.
func New(ctx context.Context, cfg *config.AppConfig, logger commons.Logger) (*gin.Engine, *internal_call.Manager) {
	manager := internal_call.NewManager(
		logger,
		gateway_api.NewPipelineFactory(cfg, logger),
		time.Duration(cfg.CallTTLMinutes)*time.Minute,
		time.Duration(cfg.CleanupIntervalSeconds)*time.Second,
	)
	manager.Start(ctx)

	callApi := gateway_api.NewCallApi(cfg, logger, manager)
	streamApi := gateway_api.NewStreamApi(cfg, logger, manager,
		gateway_api.NewPipelineBuilder(cfg, logger))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": cfg.Name,
			"version": cfg.Version,
			"status":  "ok",
		})
	})

	v1 := engine.Group("/v1")
	{
		v1.POST("/calls", callApi.CreateCall)
		v1.GET("/calls", callApi.ListRecentCalls)
		v1.GET("/calls/:code", callApi.GetCall)
	}
	engine.GET("/stream", streamApi.Attach)

	return engine, manager
}
