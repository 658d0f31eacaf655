package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/lifecycle"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	dataDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "axis",
	Short: "Axis - local-first agentic job runtime",
	Long: `Axis runs agent jobs on your own machine: durable job queue,
plan validation, user approval gates, DAG execution and encrypted
backups, all in a single binary with no external services.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Axis version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(jobsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Axis runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)

		rt, err := lifecycle.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to assemble runtime: %v", err)
		}
		if err := rt.Start(); err != nil {
			return fmt.Errorf("failed to start runtime: %v", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		rt.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store (is the runtime running?): %v", err)
		}
		defer store.Close()

		jobs, err := store.ListJobs()
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-18s  %-8s  %-20s  %s\n", "ID", "STATUS", "SOURCE", "CREATED", "CONTENT")
		for _, job := range jobs {
			content := job.Content
			if len(content) > 40 {
				content = content[:37] + "..."
			}
			fmt.Printf("%-36s  %-18s  %-8s  %-20s  %s\n",
				job.ID, job.Status, job.Source,
				job.CreatedAt.Format("2006-01-02 15:04:05"), content)
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}
