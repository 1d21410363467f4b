package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/cronjobs"
	"github.com/dispatchd/dispatchd/internal/httpapi"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/realtime"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the dispatch daemon's poll cycle and control-surface HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	hub := realtime.NewHub()
	hub.Subscribe(a.daemon.Events())
	go hub.Run(ctx)

	scheduler := cronjobs.NewScheduler(a.store, a.store, a.daemon.Events(), cronjobs.DefaultConfig())
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	router := httpapi.NewRouter(a.daemon, jwtSecret)
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r); err != nil {
			logging.Errorf("serve: websocket upgrade failed: %v", err)
		}
	})

	srv := &http.Server{Addr: httpAddr, Handler: router}
	go func() {
		logging.Infof("serve: control surface listening on %s", httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("serve: http server error: %v", err)
		}
	}()

	a.daemon.Start(ctx)

	<-ctx.Done()
	logging.Infof("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	a.daemon.Stop()
	return nil
}
