package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"bidhub/api"
)

func main() {
	args := ParseArgs()
	if !args.Validate() {
		panic("missing arguments")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if args.ServerConfig.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			panic(err)
		}
		args.ServerConfig.ID = hostname
	}

	server, err := api.NewServer(args.ServerConfig)
	if err != nil {
		panic(err)
	}
	defer server.Close()
	if err := server.Start(); err != nil {
		panic(err)
	}

	router := gin.Default()
	server.RegisterRoutes(router)
	httpServer := &http.Server{Addr: args.ServerURL, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// SSE 與 WebSocket 連線在 connection manager 關閉前不會結束，逾時後直接關閉
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown timeout", slog.Any("error", err))
		httpServer.Close()
	}
}
