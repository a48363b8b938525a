package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/znz-systems/mailslot/internal/anomaly"
	"github.com/znz-systems/mailslot/internal/config"
	"github.com/znz-systems/mailslot/internal/database"
	"github.com/znz-systems/mailslot/internal/logging"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/migrations"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mailslot:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailslot",
		Usage: "Inbound newsletter ingestion service",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			checkAnomaliesCommand(),
			seedAccountCommand(),
		},
		DefaultCommand: "serve",
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "status", Usage: "only print the current schema version"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}

			if !c.Bool("status") {
				if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
					return err
				}
			}
			version, dirty, err := database.MigrationVersion(migrations.FS, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	}
}

func checkAnomaliesCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-anomalies",
		Usage: "Run one anomaly check against the delivery log and print the report",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openPostgres(cfg, logger, false)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			report, err := anomaly.NewDetector(st.deliveries, anomaly.DefaultThresholds()).Check(c.Context, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return cli.Exit(fmt.Sprintf("%d anomalies detected", len(report.Alerts)), 2)
			}
			return nil
		},
	}
}

func seedAccountCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed-account",
		Usage: "Create an account that can receive newsletters",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "system inbound address", Required: true},
			&cli.StringFlag{Name: "alias", Usage: "custom alias (pro plan only)"},
			&cli.StringFlag{Name: "plan", Usage: "free or pro", Value: string(models.PlanFree)},
			&cli.BoolFlag{Name: "private", Usage: "store all content privately"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			plan := models.Plan(strings.ToLower(c.String("plan")))
			if plan != models.PlanFree && plan != models.PlanPro {
				return fmt.Errorf("unknown plan %q", c.String("plan"))
			}
			account := &models.Account{
				InboundAddress: c.String("address"),
				Plan:           plan,
				PrivateContent: c.Bool("private"),
			}
			if alias := strings.TrimSpace(c.String("alias")); alias != "" {
				account.CustomAlias = &alias
			}

			st, err := openPostgres(cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			if err := st.accounts.CreateAccount(c.Context, account); err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			fmt.Fprintln(c.App.Writer, account.ID)
			return nil
		},
	}
}
