package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trello-project/microservices/task-view-service/config"
	"trello-project/microservices/task-view-service/handlers"
	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/services"
	"trello-project/microservices/task-view-service/utils"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.InitLogger("task-view-service", cfg.LogFile, cfg.LogLevel)
	logging.Logger.Info("Event ID: SERVICE_START, Description: Starting Task View Service...")

	if err := cfg.Validate(); err != nil {
		logging.Logger.Fatalf("Event ID: CONFIG_ERROR, Description: %v", err)
	}

	httpClient := utils.NewHTTPClient(cfg.HTTPTimeout)
	breaker := utils.BreakerSettings{
		Timeout:      cfg.BreakerTimeout,
		MaxFailures:  uint32(cfg.BreakerMaxFailures),
		IsSuccessful: services.BreakerIsSuccessful,
	}
	backends := services.Backends{
		Tasks:         services.NewBackend("tasks-service", cfg.TasksServiceURL, httpClient, utils.NewBreaker("TasksServiceCB", breaker)),
		Identity:      services.NewBackend("auth-service", cfg.AuthServiceURL, httpClient, utils.NewBreaker("AuthServiceCB", breaker)),
		Collaboration: services.NewBackend("collaborator-service", cfg.CollaboratorServiceURL, httpClient, utils.NewBreaker("CollaboratorServiceCB", breaker)),
	}

	registry := services.NewSessionRegistry(backends, services.SessionOptions{
		SearchDebounce:     cfg.SearchDebounce,
		IdentityFanout:     cfg.IdentityMaxFanout,
		CollaboratorFanout: cfg.CollaboratorMaxFanout,
	})
	handler := handlers.NewTaskViewHandler(registry)

	router := handlers.NewRouter(handler, []byte(cfg.JWTSecret), registry, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Logger.Infof("Event ID: SERVER_START_INFO, Description: Server running on http://localhost%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.Fatalf("Event ID: SERVER_FATAL_ERROR, Description: Server failed to start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Logger.Info("Event ID: SERVICE_STOP, Description: Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Logger.Errorf("Event ID: SERVER_SHUTDOWN_ERROR, Description: %v", err)
	}
	registry.Close()
}
