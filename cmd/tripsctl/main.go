// Command tripsctl is the operational companion to the fleettrace server.
// It runs schema migrations, triggers trip reconstruction passes, sweeps
// expired telemetry and prints a quick fleet status, all against the same
// SQLite database the server uses.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/version"
)

var (
	dbPath        string
	migrationsDir string
	configPath    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tripsctl",
		Short: "Operational tooling for the fleettrace trip database",
		Long: `tripsctl manages the fleettrace SQLite database out of band:
schema migrations, missed-trip reconstruction, retention sweeps and a
fleet status summary.`,
		Version:      fmt.Sprintf("%s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "fleettrace.db", "path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "db/migrations", "path to the migrations directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to the tuning config")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconstructCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*db.DB, error) {
	store, err := db.NewDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return store, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateUp(migrationsDir); err != nil {
				return err
			}
			return printVersion(store)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateDown(migrationsDir); err != nil {
				return err
			}
			return printVersion(store)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()
			return printVersion(store)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Force the schema version without running migrations",
		Long:  "Force clears a dirty migration state. Use only after verifying the schema by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer: %q", args[0])
			}
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateForce(migrationsDir, version); err != nil {
				return err
			}
			return printVersion(store)
		},
	})

	return cmd
}

func printVersion(store *db.DB) error {
	version, dirty, err := store.MigrateVersion(migrationsDir)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Println("schema version: none")
		return nil
	}
	fmt.Printf("schema version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func reconstructCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Scan route points for missed trips and synthesize them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadTuningConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			worker := db.NewMissedTripWorker(store)
			worker.JumpMeters = cfg.GetReconstructMinJumpM()
			worker.MinGap = cfg.GetReconstructMinGap()
			worker.MinConfidence = cfg.GetReconstructMinScore()
			worker.Window = cfg.GetReconstructLookback()

			start := time.Now()
			var trips int
			if full {
				trips, err = worker.RunFullHistory(cmd.Context())
			} else {
				trips, err = worker.RunOnce(cmd.Context())
			}
			if err != nil {
				return err
			}
			scope := "recent"
			if full {
				scope = "full history"
			}
			fmt.Printf("reconstructed %d trip(s) over %s in %v\n", trips, scope, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "scan all retained route points instead of the recent lookback window")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete signals and route points past their retention tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.RunRetentionSweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired row(s)\n", removed)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current state of every vehicle and recent trip activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.ListVehicleStates()
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("no vehicles recorded")
				return nil
			}

			now := time.Now().UTC()
			fmt.Printf("%d vehicle(s):\n", len(states))
			for _, s := range states {
				place := "unknown location"
				if s.PlaceName.Valid && s.PlaceName.String != "" {
					place = s.PlaceName.String
				}
				fmt.Printf("  %-20s %-8s since %s at %s (last signal %s ago)\n",
					s.VehicleID, s.State,
					s.StateSince.Local().Format("2006-01-02 15:04"),
					place,
					now.Sub(s.LastSignal).Round(time.Second))
			}

			for _, s := range states {
				trips, err := store.TripsInRange(s.VehicleID, now.Add(-24*time.Hour), now)
				if err != nil {
					return err
				}
				if len(trips) == 0 {
					continue
				}
				miles := 0.0
				reconstructed := 0
				for _, t := range trips {
					if t.DistanceMiles.Valid {
						miles += t.DistanceMiles.Float64
					}
					if t.DataSource == db.SourceReconstructed {
						reconstructed++
					}
				}
				fmt.Printf("  %-20s %d trip(s) / %.1f mi in the last 24h", s.VehicleID, len(trips), miles)
				if reconstructed > 0 {
					fmt.Printf(" (%d reconstructed)", reconstructed)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
