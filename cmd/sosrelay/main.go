package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/shohag/sosrelay/internal/api"
	"github.com/shohag/sosrelay/internal/config"
	"github.com/shohag/sosrelay/internal/delivery"
	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/location"
	"github.com/shohag/sosrelay/internal/models"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "sosrelay",
		Short:        "SOSRelay: offline-first emergency alert relay",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(triggerCmd(&configPath))
	rootCmd.AddCommand(syncCmd(&configPath))
	rootCmd.AddCommand(pendingCmd(&configPath))
	rootCmd.AddCommand(purgeCmd(&configPath))
	rootCmd.AddCommand(resolveCmd(&configPath))
	rootCmd.AddCommand(alertsCmd(&configPath))
	rootCmd.AddCommand(cooldownCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			e, err := newEngine(cfg, log)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go e.metrics.TrackPending(e.queue.Watch(ctx))

			e.orch.Start(ctx)
			sched, err := delivery.NewScheduler(e.orch, cfg.Sync.Interval, cfg.Sync.PurgeInterval, log)
			if err != nil {
				return fmt.Errorf("failed to setup scheduler: %w", err)
			}
			sched.Start()

			// anything left over from a previous run goes out as soon as possible
			e.orch.Trigger(delivery.TriggerOpportunistic)

			server := api.NewServer(cfg.Server, api.Deps{
				Gateway:        e.gateway,
				Queue:          e.queue,
				Sync:           e.orch,
				Locator:        e.locator,
				Feed:           e.feed,
				Clock:          e.clock,
				Gatherer:       e.registry,
				LocationBudget: cfg.Location.Budget,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Bool("offline_fallback", cfg.Gateway.OfflineFallback).
				Dur("cooldown", cfg.Cooldown.Period).
				Msg("SOSRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			sched.Stop()
			e.orch.Stop()

			log.Info().Msg("SOSRelay stopped")
			return nil
		},
	}
}

func triggerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <POLICE|AMBULANCE|FIRE>",
		Short: "Raise an emergency alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alertType, err := models.ParseAlertType(args[0])
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")

			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				lon, _ := cmd.Flags().GetFloat64("lon")
				fix := location.Fix{Coordinate: models.Coordinate{Latitude: lat, Longitude: lon}, At: e.clock.Now()}
				if err := fix.Coordinate.Validate(); err != nil {
					return err
				}
				e.locator.Observe(fix)
			}

			res, err := e.gateway.CreateAlert(context.Background(), alertType, userID)
			if err != nil {
				return fmt.Errorf("failed to create alert: %w", err)
			}
			printJSON(res)
			if res.Outcome == gateway.OutcomeRejected {
				return fmt.Errorf("alert rejected: %s", res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (anonymous when empty)")
	cmd.Flags().Float64("lat", 0, "current latitude, when known")
	cmd.Flags().Float64("lon", 0, "current longitude, when known")
	return cmd
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued alerts now",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			delivered, runErr := e.orch.RunOnce(context.Background())
			pending, err := e.queue.CountPending(context.Background())
			if err != nil {
				return fmt.Errorf("failed to count pending alerts: %w", err)
			}
			fmt.Printf("delivered %d, %d still pending\n", delivered, pending)
			if runErr != nil {
				if errors.Is(runErr, delivery.ErrOffline) || errors.Is(runErr, delivery.ErrRunActive) {
					return fmt.Errorf("sync skipped: %w", runErr)
				}
				return fmt.Errorf("sync stopped: %w", runErr)
			}
			return nil
		},
	}
}

func pendingCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show queued alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if all, _ := cmd.Flags().GetBool("stats"); all {
				stats, err := e.queue.Stats(context.Background())
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}
				printJSON(stats)
				return nil
			}

			alerts, err := e.queue.ListPending(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list pending alerts: %w", err)
			}
			if len(alerts) == 0 {
				fmt.Println("No pending alerts.")
				return nil
			}
			for _, a := range alerts {
				fmt.Printf("  %-10s %-9s %s  %s  attempts=%d\n",
					models.LocalRef(a.LocalID), a.Type, a.Coordinate, a.CreatedAt.Format(time.RFC3339), a.AttemptCount)
			}
			return nil
		},
	}
	cmd.Flags().Bool("stats", false, "print queue statistics instead")
	return cmd
}

func purgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove delivered alerts from the local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.orch.Purge(context.Background())
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Printf("purged %d delivered alerts\n", n)
			return nil
		},
	}
}

func resolveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Mark an alert resolved (remote id or local:<n>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.gateway.Resolve(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			fmt.Printf("resolved %s\n", args[0])
			return nil
		},
	}
}

func alertsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts by user or around a point",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			near, _ := cmd.Flags().GetString("near")
			if (userID == "") == (near == "") {
				return fmt.Errorf("exactly one of --user or --near is required")
			}

			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			if userID != "" {
				alerts, err := e.gateway.AlertsByUser(ctx, userID, true)
				printJSON(alerts)
				if err != nil {
					return fmt.Errorf("remote query failed, showing local alerts only: %w", err)
				}
				return nil
			}

			center, err := parseCoordinate(near)
			if err != nil {
				return err
			}
			radius, _ := cmd.Flags().GetFloat64("radius")
			window, _ := cmd.Flags().GetDuration("window")
			alerts, err := e.gateway.Nearby(ctx, center, radius, window)
			if err != nil {
				return fmt.Errorf("nearby query failed: %w", err)
			}
			printJSON(alerts)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id")
	cmd.Flags().String("near", "", "center as lat,lon")
	cmd.Flags().Float64("radius", 0, "radius in meters (default 1000)")
	cmd.Flags().Duration("window", 0, "look-back window (default 24h)")
	return cmd
}

func cooldownCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cooldown",
		Short: "Show the time left before another alert can be raised",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			remaining, err := e.cooldown.Remaining(context.Background())
			if err != nil {
				return fmt.Errorf("failed to read cooldown: %w", err)
			}
			if remaining <= 0 {
				fmt.Println("ready")
				return nil
			}
			fmt.Printf("cooling down, %s left\n", remaining.Round(time.Second))
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SOSRelay v%s\n", version)
		},
	}
}

func parseCoordinate(s string) (models.Coordinate, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Coordinate{}, fmt.Errorf("coordinate must be lat,lon: %q", s)
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLat != nil || errLon != nil {
		return models.Coordinate{}, fmt.Errorf("coordinate must be lat,lon: %q", s)
	}
	c := models.Coordinate{Latitude: lat, Longitude: lon}
	return c, c.Validate()
}

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
