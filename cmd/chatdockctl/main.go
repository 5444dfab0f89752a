// chatdockctl is the operations CLI: database migrations and dead-letter
// queue management.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	migrations "github.com/chatdock/chatdock/db"
	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/db"
	"github.com/chatdock/chatdock/internal/ingest"
	"github.com/chatdock/chatdock/internal/logger"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version|force N]",
		Short: "Apply or roll back database migrations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sub, err := fs.Sub(migrations.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migrations fs: %w", err)
			}
			return db.RunMigrate(logger.L, cfg.Postgres, sub, args[0], args[1:])
		},
	}
	return cmd
}

func newQueue(cmd *cobra.Command) (*ingest.PgQueue, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	queue := ingest.NewPgQueue(logger.L, pool, cfg.Ingest.MaxAttempts,
		config.Duration(cfg.Ingest.BackoffBase, config.DefaultBackoffBase),
		config.Duration(cfg.Ingest.BackoffCap, config.DefaultBackoffCap))
	return queue, pool.Close, nil
}

func deadlettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and requeue dead-lettered ingest jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, closeFn, err := newQueue(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			limit, _ := cmd.Flags().GetInt("limit")
			jobs, err := queue.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no dead-lettered jobs")
				return nil
			}
			for _, job := range jobs {
				fmt.Printf("%d\t%s\tattempt %d/%d\t%s\n",
					job.ID, job.Key, job.Attempt, job.MaxAttempts, job.LastError)
			}
			return nil
		},
	}
	list.Flags().Int("limit", 50, "maximum jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a dead-lettered job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id: %s", args[0])
			}
			queue, closeFn, err := newQueue(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := queue.RequeueDead(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("job %d requeued\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:   "chatdockctl",
		Short: "chatdock operations CLI",
	}
	root.PersistentFlags().String("config", "", "path to config.toml")
	root.AddCommand(migrateCmd(), deadlettersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
