// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	gateway_routers "github.com/rapidaai/lingua/api/gateway-api/router"
	"github.com/rapidaai/lingua/config"
	"github.com/rapidaai/lingua/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config init: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var logger commons.Logger
	if cfg.LogFile != "" {
		logger, err = commons.NewRotatingFileLogger(cfg.LogFile, cfg.LogLevel)
	} else {
		logger, err = commons.NewApplicationLoggerWithLevel(cfg.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, _ := gateway_routers.New(ctx, cfg, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	logger.Infow("gateway starting",
		"service", cfg.Name,
		"version", cfg.Version,
		"addr", server.Addr,
		"provider", cfg.Provider)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Errorw("gateway terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}
