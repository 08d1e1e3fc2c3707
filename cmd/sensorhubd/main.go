package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"sensorhub/internal/app"
	"sensorhub/internal/config"
	"sensorhub/internal/logger"
	"sensorhub/internal/storage"
)

func main() {
	cli.HelpFlag.(*cli.BoolFlag).Usage = "Show help"
	cmd := &cli.Command{
		Name:  "sensorhubd",
		Usage: "Ingest IoT sensor readings, raise alerts and stream changes to live clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("SENSORHUB_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				Sources: cli.EnvVars("SENSORHUB_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP and websocket server",
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					return app.New(cfg).Run(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply pending database migrations",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withDB(ctx, command, func(db *gorm.DB) error {
						return storage.Migrate(ctx, db)
					})
				},
			},
			{
				Name:  "rollback",
				Usage: "Rollback the last database migration",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withDB(ctx, command, func(db *gorm.DB) error {
						return storage.RollbackLast(ctx, db)
					})
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and initializes the global logger from it
func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, err
	}
	if level := command.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func withDB(ctx context.Context, command *cli.Command, fn func(db *gorm.DB) error) error {
	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	log := logger.WithComponent("sensorhubd")
	if err := fn(db); err != nil {
		log.Error().Err(err).Str("command", command.Name).Msg("command failed")
		return err
	}
	log.Info().Str("command", command.Name).Msg("command completed")
	return nil
}
