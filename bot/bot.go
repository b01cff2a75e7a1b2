package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"

	"guild-archiver/archive"
	"guild-archiver/config"
	"guild-archiver/database"
	grpcsrv "guild-archiver/grpc"
	"guild-archiver/membership"
	"guild-archiver/memory"
	"guild-archiver/metrics"
	"guild-archiver/models"
	"guild-archiver/monitor"
	"guild-archiver/reconstruct"
	"guild-archiver/scanner"
	"guild-archiver/source"
	"guild-archiver/state"
	"guild-archiver/utils"
	"guild-archiver/wal"
)

// Command defines the interface for a bot command.
type Command interface {
	Definition() *discordgo.ApplicationCommand
	Level() string
}

// Bot wires the archive components to one guild.
type Bot struct {
	Session    *discordgo.Session
	Config     models.Config
	GuildID    string
	Logger     *slog.Logger
	LogHandler *utils.DiscordHandler
	Commands   map[string]Command

	Store         *database.Store
	Source        *source.Discord
	Tracker       *state.Tracker
	Buffer        *wal.Buffer
	Governor      *memory.Governor
	Crawler       *scanner.Crawler
	Monitor       *monitor.Monitor
	Members       *membership.Recorder
	Reconstructor *reconstruct.Reconstructor
	Archive       *archive.Service
	Auth          *utils.Auth
	Health        *grpcsrv.HealthServer

	ctx       context.Context
	cancel    context.CancelFunc
	scheduler *Scheduler
}

// NewBot creates the session and every archive component. Nothing connects to the
// gateway until Start.
func NewBot(cfg models.Config, logger *slog.Logger, logHandler *utils.DiscordHandler) (*Bot, error) {
	if cfg.Bot.Token == "" {
		return nil, errors.New("no bot token provided, set BOT_TOKEN or bot.token")
	}
	if cfg.Bot.GuildID == "" {
		return nil, errors.New("no guild configured, set bot.guild_id")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dg, err := discordgo.New("Bot " + cfg.Bot.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers | discordgo.IntentsMessageContent

	store, err := database.Open(config.DBPath(cfg, cfg.Bot.GuildID), logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		Session:    dg,
		Config:     cfg,
		GuildID:    cfg.Bot.GuildID,
		Logger:     logger,
		LogHandler: logHandler,
		Commands:   make(map[string]Command),
		Store:      store,
		Source:     source.NewDiscord(dg, logger),
		Tracker:    state.NewTracker(cfg.Archive.ExcludeChannels),
		Governor:   memory.New(cfg.Memory, logger),
		Members:    membership.New(store, logger),
		Auth:       utils.NewAuth(cfg.Commands),
		Health:     grpcsrv.NewHealthServer(logger),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.Buffer = wal.New(store, b.Source, cfg.WAL, logger)
	b.Crawler = scanner.New(store, b.Source, b.Tracker, b.Governor, cfg.Crawler, logger)
	b.Monitor = monitor.New(b.Tracker, b.Buffer, logger)
	b.Reconstructor = reconstruct.New(store, b.Source, cfg.Reconstruct, logger)
	b.Archive = archive.New(store, b.Buffer, b.Crawler, b.Reconstructor, b.Source, logger)

	b.Governor.OnThrottle(b.Health.SetThrottled)
	b.Governor.OnThrottle(func(throttled bool) {
		if throttled {
			logger.Warn("ingestion paused for memory cleanup", "module", "memory")
		}
	})
	if err := prometheus.Register(metrics.NewArchiveCollector(store, b.Buffer, logger)); err != nil {
		logger.Warn("archive metrics not registered", "err", err)
	}
	return b, nil
}

// Context is cancelled when the bot stops. Event handlers run under it.
func (b *Bot) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Prepare loads channel states and releases write-ahead claims left by a crash.
func (b *Bot) Prepare(ctx context.Context) error {
	if err := b.Tracker.Load(ctx, b.Store); err != nil {
		return err
	}
	return b.Buffer.Recover(ctx)
}

// RegisterCommands registers the provided commands.
func (b *Bot) RegisterCommands(commands []Command) {
	for _, cmd := range commands {
		b.Commands[cmd.Definition().Name] = cmd
	}
}

// Start opens the gateway session, registers slash commands and starts the scheduled jobs.
func (b *Bot) Start(registerHandlers func(*Bot)) error {
	if err := b.Prepare(b.ctx); err != nil {
		return err
	}
	registerHandlers(b)

	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}
	if b.LogHandler != nil {
		b.LogHandler.Attach(b.Session, b.Config.Bot.AdminChannelID)
	}

	for _, cmd := range b.Commands {
		if _, err := b.Session.ApplicationCommandCreate(b.Session.State.User.ID, b.GuildID, cmd.Definition()); err != nil {
			b.Logger.Error("cannot create command", "command", cmd.Definition().Name, "err", err)
		}
	}

	if roles, err := b.Session.GuildRoles(b.GuildID); err != nil {
		b.Logger.Warn("failed to load guild roles", "err", err)
	} else {
		converted := make([]models.GuildRole, 0, len(roles))
		for _, r := range roles {
			converted = append(converted, source.ConvertRole(r))
		}
		if err := b.Members.SeedRoles(b.ctx, converted); err != nil {
			b.Logger.Error("failed to record guild roles", "err", err)
		}
	}

	scheduler, err := newScheduler(b)
	if err != nil {
		return err
	}
	b.scheduler = scheduler
	b.scheduler.Start()

	b.serve()
	b.Logger.Info("bot is running", "guild_id", b.GuildID, "store", b.Store.Path())
	return nil
}

func (b *Bot) serve() {
	if addr := b.Config.Metrics.Listen; addr != "" {
		go func() {
			if err := metrics.Serve(b.ctx, addr, b.Logger); err != nil {
				b.Logger.Error("metrics server stopped", "err", err)
			}
		}()
	}
	if addr := b.Config.GRPC.Listen; addr != "" {
		go func() {
			if err := b.Health.Serve(b.ctx, addr); err != nil {
				b.Logger.Error("gRPC health server stopped", "err", err)
			}
		}()
	}
}

// Stop gracefully closes the bot's session and store.
func (b *Bot) Stop() {
	b.cancel()
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	if b.Session != nil {
		b.Session.Close()
	}
	if err := b.Store.Close(); err != nil {
		b.Logger.Error("failed to close store", "err", err)
	}
	b.Logger.Info("bot stopped gracefully")
}

// Run is the main entry point for the bot application. It blocks until SIGINT or SIGTERM.
func Run(cfg models.Config, logger *slog.Logger, logHandler *utils.DiscordHandler, registerHandlers func(*Bot), commands []Command) error {
	bot, err := NewBot(cfg, logger, logHandler)
	if err != nil {
		return fmt.Errorf("error initializing bot: %w", err)
	}

	bot.RegisterCommands(commands)

	if err := bot.Start(registerHandlers); err != nil {
		bot.Stop()
		return fmt.Errorf("error starting bot: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	<-sigCtx.Done()

	bot.Stop()
	return nil
}
