package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"guild-archiver/archive"
	"guild-archiver/bot"
	"guild-archiver/command"
	"guild-archiver/config"
	"guild-archiver/database"
	grpcsrv "guild-archiver/grpc"
	"guild-archiver/handlers"
	"guild-archiver/models"
	"guild-archiver/scanner"
	"guild-archiver/utils"
	"guild-archiver/wal"
)

func main() {
	app := &cli.App{
		Name:  "guild-archiver",
		Usage: "archive a Discord guild into SQLite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "guild",
				Usage:   "guild id, overrides bot.guild_id",
				EnvVars: []string{"ARCHIVER_GUILD"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "connect to the gateway and archive live traffic",
				Action: runBot,
			},
			{
				Name:   "export",
				Usage:  "backfill every visible channel and exit",
				Action: runExport,
			},
			{
				Name:  "reconstruct",
				Usage: "rebuild departed members or their roles from archived messages",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Value: "members", Usage: "members or roles"},
				},
				Action: runReconstruct,
			},
			{
				Name:  "dedupe",
				Usage: "count or remove duplicated message rows",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "remove", Usage: "delete the duplicates instead of counting them"},
				},
				Action: runDedupe,
			},
			{
				Name:  "stats",
				Usage: "show the write-ahead buffer and recent member counters",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: 7, Usage: "number of days of member counters"},
				},
				Action: runStats,
			},
			{
				Name:   "vacuum",
				Usage:  "compact the store",
				Action: runVacuum,
			},
			{
				Name:  "health",
				Usage: "query a running archiver's gRPC health endpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "localhost:50051"},
					&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
				},
				Action: runHealth,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup(cctx *cli.Context) (models.Config, *slog.Logger, *utils.DiscordHandler, error) {
	config.LoadConfig()
	cfg, err := config.Load()
	if err != nil {
		return models.Config{}, nil, nil, err
	}
	if guild := cctx.String("guild"); guild != "" {
		cfg.Bot.GuildID = guild
	}
	logger, handler := utils.NewLogger(cfg.Log, cfg.Bot.LogLevel, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, handler, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runBot(cctx *cli.Context) error {
	cfg, logger, handler, err := setup(cctx)
	if err != nil {
		return err
	}
	commands := make([]bot.Command, 0, len(command.AllCommands))
	for _, c := range command.AllCommands {
		commands = append(commands, c)
	}
	return bot.Run(cfg, logger, handler, handlers.Register, commands)
}

// connected builds the full bot without opening the gateway. The archive
// operations only need the REST API.
func connected(cctx *cli.Context) (*bot.Bot, context.Context, context.CancelFunc, error) {
	cfg, logger, handler, err := setup(cctx)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := bot.NewBot(cfg, logger, handler)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signalContext(cctx.Context)
	if err := b.Prepare(ctx); err != nil {
		cancel()
		b.Stop()
		return nil, nil, nil, err
	}
	return b, ctx, cancel, nil
}

func runExport(cctx *cli.Context) error {
	b, ctx, cancel, err := connected(cctx)
	if err != nil {
		return err
	}
	defer b.Stop()
	defer cancel()

	b.Crawler.OnStatus(func(_ context.Context, p scanner.Progress) {
		fmt.Println(archive.FormatProgress(p))
	})
	summary, err := b.Archive.StartExport(ctx, b.GuildID, "")
	if err != nil {
		return err
	}
	fmt.Println(archive.FormatExportSummary(summary))
	return nil
}

func runReconstruct(cctx *cli.Context) error {
	target := cctx.String("target")
	if target != "members" && target != "roles" {
		return fmt.Errorf("unknown target %q, want members or roles", target)
	}
	b, ctx, cancel, err := connected(cctx)
	if err != nil {
		return err
	}
	defer b.Stop()
	defer cancel()

	if target == "roles" {
		sum, err := b.Archive.ReconstructRoles(ctx)
		if err != nil {
			return err
		}
		fmt.Println(archive.FormatReconstructSummary("Role", sum))
		return nil
	}
	sum, err := b.Archive.ReconstructMembers(ctx, b.GuildID)
	if err != nil {
		return err
	}
	fmt.Println(archive.FormatReconstructSummary("Member", sum))
	return nil
}

// offline opens the guild store without touching the network.
func offline(cctx *cli.Context) (*archive.Service, *database.Store, error) {
	cfg, logger, _, err := setup(cctx)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Bot.GuildID == "" {
		return nil, nil, errors.New("no guild configured, set bot.guild_id or --guild")
	}
	store, err := database.Open(config.DBPath(cfg, cfg.Bot.GuildID), logger)
	if err != nil {
		return nil, nil, err
	}
	buffer := wal.New(store, nil, cfg.WAL, logger)
	return archive.New(store, buffer, nil, nil, nil, logger), store, nil
}

func runDedupe(cctx *cli.Context) error {
	svc, store, err := offline(cctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if cctx.Bool("remove") {
		removed, err := svc.RemoveDuplicates(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d duplicated rows.\n", removed)
		return nil
	}
	n, err := svc.CheckDuplicates(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d duplicated rows.\n", n)
	return nil
}

func runStats(cctx *cli.Context) error {
	svc, store, err := offline(cctx)
	if err != nil {
		return err
	}
	defer store.Close()

	walStats, err := svc.GetStats(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(archive.FormatWALStats(walStats))

	members, err := svc.MemberStats(cctx.Context, cctx.Int("days"))
	if err != nil {
		return err
	}
	fmt.Print(archive.FormatMemberStats(members))
	return nil
}

func runVacuum(cctx *cli.Context) error {
	svc, store, err := offline(cctx)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := svc.Vacuum(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(archive.FormatVacuum(res))
	return nil
}

func runHealth(cctx *cli.Context) error {
	client, err := grpcsrv.NewClient(cctx.String("addr"), cctx.Duration("timeout"))
	if err != nil {
		return err
	}
	defer client.Close()

	for _, service := range []string{"", grpcsrv.IngestService} {
		status, err := client.Check(cctx.Context, service)
		if err != nil {
			return err
		}
		name := service
		if name == "" {
			name = "(server)"
		}
		fmt.Printf("%s: %s\n", name, status)
	}
	return nil
}
