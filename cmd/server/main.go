package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/coscribe/backend/internal/ai"
	"github.com/coscribe/backend/internal/api"
	"github.com/coscribe/backend/internal/config"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/persist"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/suggest"
	"github.com/coscribe/backend/internal/ws"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open store", "path", cfg.DBPath, "error", err)
	}
	defer db.Close()

	sessions := session.NewStore(db, log)
	rooms := room.NewRegistry(sessions, db, log)
	streamer := ai.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, log)
	coord := ai.NewCoordinator(streamer, rooms, sessions, db, log)
	sg := suggest.New(db, sessions, rooms, log)

	flusher := persist.New(sessions, cfg.FlushInterval, log)
	flusher.Start()

	wsServer := ws.NewServer(rooms, sessions, coord, sg, db, cfg.CancelStreamsOnDisconnect, log)

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsServer.HandleWS)
	api.New(db, sessions, rooms, coord, sg, log).Routes(router)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: corsMiddleware(router),
	}

	go func() {
		log.Info("server starting", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	// Stop runs a final sweep so no dirty document is lost.
	flusher.Stop()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
