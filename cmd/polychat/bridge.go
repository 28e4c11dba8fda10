package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polychat/chat-client/internal/core"
	"github.com/polychat/chat-client/internal/messaging"
	"github.com/polychat/chat-client/internal/metrics"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose the session over NATS for an external UI",
	Long: `Resume the stored identity, connect, and serve the session over NATS.

Notifications are published on <prefix>.<user_id>.event.<kind> and intents
are answered on <prefix>.<user_id>.intent.<name>. When metrics.listen_addr is
set, Prometheus metrics are served on /metrics.`,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	natsConfig := messaging.DefaultNATSConfig()
	if cfg.Bridge.NATSURL != "" {
		natsConfig.URL = cfg.Bridge.NATSURL
	}
	natsConfig.Name = "polychat-" + cfg.Profile

	log.Info().Msg("[polychat] bridge starting")
	log.Info().Msgf("  server_url:     %s", cfg.ServerURL)
	log.Info().Msgf("  profile:        %s", cfg.Profile)
	log.Info().Msgf("  storage:        %s", cfg.Storage.Backend)
	log.Info().Msgf("  nats_url:       %s", natsConfig.URL)
	log.Info().Msgf("  subject_prefix: %s", cfg.Bridge.SubjectPrefix)
	log.Info().Msgf("  metrics_addr:   %s", cfg.Metrics.ListenAddr)

	// Deferred calls run in reverse, so the session is closed, and its last
	// notifications published, before the NATS connection goes away.
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.Resume(ctx)
	if id == nil && err == nil {
		return errors.New(`not signed in, run "polychat login" first`)
	}
	if id == nil {
		return err
	}
	if err != nil {
		log.Warn().Msgf("[polychat] session started with errors: %s", core.UserMessage(err))
	}

	bridge := messaging.NewBridge(natsClient, s, messaging.BridgeOptions{
		Prefix:         cfg.Bridge.SubjectPrefix,
		UserID:         id.UserID,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err := bridge.Start(); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("[polychat] metrics server stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("[polychat] shutting down bridge")
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("[polychat] metrics server shutdown error")
		}
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("[polychat] session close error")
	}
	bridge.Stop()
	return nil
}
