// Command coordinator runs the federated threat-intelligence coordinator:
// the Trust Manager, Intelligence Aggregator, Session Layer/Hub and
// Statistics Projector wired together behind a gin HTTP+websocket server,
// replacing the teacher's single-binary cmd/engine/main.go with a
// spf13/cobra entrypoint that also exposes migrate/sweep-expired ops.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rawblock/fedsig-coordinator/internal/alert"
	"github.com/rawblock/fedsig-coordinator/internal/api"
	"github.com/rawblock/fedsig-coordinator/internal/config"
	"github.com/rawblock/fedsig-coordinator/internal/intel"
	"github.com/rawblock/fedsig-coordinator/internal/metrics"
	"github.com/rawblock/fedsig-coordinator/internal/session"
	"github.com/rawblock/fedsig-coordinator/internal/stats"
	"github.com/rawblock/fedsig-coordinator/internal/store"
	"github.com/rawblock/fedsig-coordinator/internal/trust"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "FedSIG+ threat-intelligence coordinator",
	Long:  `Coordinator for the federated threat-intelligence exchange: trust, consensus, sessions and persistence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the persistent store schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

var sweepExpiredCmd = &cobra.Command{
	Use:   "sweep-expired",
	Short: "Run one expiry sweep over verified records and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepExpired(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, sweepExpiredCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func runMigrate(ctx context.Context) error {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()

	if err := pg.InitSchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("✅ schema applied")
	return nil
}

func runSweepExpired(ctx context.Context) error {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()

	agg, err := intel.New(ctx, intel.Config{
		ConsensusThreshold: cfg.ConsensusThreshold,
		ConsensusTrustAvg:  cfg.ConsensusTrustAvg,
		ExpiryDays:         cfg.ExpiryDays,
	}, pg, log)
	if err != nil {
		return fmt.Errorf("initialize aggregator: %w", err)
	}

	n, err := agg.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired: %w", err)
	}
	log.Info().Int("expired", n).Msg("sweep complete")
	return nil
}

func runServe(ctx context.Context) error {
	log := newLogger()
	log.Info().Msg("starting fedsig-coordinator")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()

	if err := pg.InitSchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	tm, err := trust.New(ctx, trust.Config{
		InitialTrust:  cfg.InitialTrust,
		MaxTrust:      cfg.MaxTrust,
		MinTrust:      cfg.MinTrust,
		DecayRate:     cfg.TrustDecayRate,
		DecayInterval: cfg.DecayInterval,
	}, pg, log)
	if err != nil {
		return fmt.Errorf("initialize trust manager: %w", err)
	}

	agg, err := intel.New(ctx, intel.Config{
		ConsensusThreshold: cfg.ConsensusThreshold,
		ConsensusTrustAvg:  cfg.ConsensusTrustAvg,
		ExpiryDays:         cfg.ExpiryDays,
	}, pg, log)
	if err != nil {
		return fmt.Errorf("initialize aggregator: %w", err)
	}

	m := metrics.New()
	alerts := alert.NewManager(log)
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		alerts.RegisterWebhook("default", url, "low", nil)
	}

	hub := session.New(tm, agg, alerts, m, log)
	projector := stats.New(tm, agg, hub)

	go runExpirySweepLoop(ctx, agg, m, log)

	router := api.SetupRouter(tm, agg, hub, projector, alerts, cfg.APIAuthToken, log)

	log.Info().Str("port", cfg.Port).Msg("coordinator listening")
	if err := router.Run(":" + cfg.Port); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// runExpirySweepLoop runs the background expiry sweep once per day, the
// same cadence the default expiry_days tunable assumes.
func runExpirySweepLoop(ctx context.Context, agg *intel.Aggregator, m *metrics.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := agg.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if m != nil {
				m.RecordExpirySweep(n)
			}
		}
	}
}
