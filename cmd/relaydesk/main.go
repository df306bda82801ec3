package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaydesk/relaydesk/internal/api"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/genai"
	"github.com/relaydesk/relaydesk/internal/lockfile"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/scheduler"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RelayDesk state data
	DefaultStateDir = "/var/lib/relaydesk"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "relaydesk.db"
	// DefaultChannel is the message channel used when none is configured
	DefaultChannel = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// A second instance sharing the state directory would corrupt the SQLite
	// store and double-fire wake timers.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	sender, err := buildSender(flags)
	if err != nil {
		slog.Error("Failed to initialize message channel", "error", err, "channel", *flags.channel)
		os.Exit(1)
	}

	deps := flow.Dependencies{Sender: sender}
	if *flags.openaiKey != "" {
		gen, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Error("Failed to initialize GenAI client", "error", err)
			os.Exit(1)
		}
		deps.Generator = gen
	} else {
		slog.Info("No OpenAI API key configured; ai_prompt nodes will fail at execution time")
	}

	registry, err := flow.NewRegistry(deps)
	if err != nil {
		slog.Error("Failed to build node executor registry", "error", err)
		os.Exit(1)
	}
	engine := flow.NewEngine(st, registry)
	dispatcher := queue.NewDispatcher(st)
	pull := queue.NewPullService(st)

	// Scheduler wakes delayed conversations; a handoff reached via a wake is
	// dispatched the same way as one reached via an inbound event.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	pump := scheduler.NewWakePump(st, func(ctx context.Context, id string) error {
		res, err := engine.Advance(ctx, id, nil)
		if err != nil {
			return err
		}
		if res.Outcome == flow.OutcomeHandoff {
			_, err = dispatcher.Dispatch(ctx, id, res.Handoff)
		}
		return err
	})
	if err := pump.Start(sched); err != nil {
		slog.Error("Failed to start wake pump", "error", err)
		os.Exit(1)
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if secs := util.ParseIntEnv("API_TIMEOUT_SECONDS", 0); secs > 0 {
		apiOpts = append(apiOpts, api.WithTimeout(time.Duration(secs)*time.Second))
	}
	server := api.NewServer(st, engine, dispatcher, pull, apiOpts...)

	slog.Info("Bootstrapping RelayDesk", "channel", *flags.channel, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := server.Run(); err != nil {
		slog.Error("RelayDesk failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RelayDesk exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Channel     string
	WhatsAppDSN string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	channel     *string
	whatsappDSN *string
	qrOutput    *string
	numeric     *bool
}

// initializeLogger sets up structured logging; RELAYDESK_DEBUG=false drops to info level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("RELAYDESK_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("RELAYDESK_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Channel:     os.Getenv("RELAYDESK_CHANNEL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RELAYDESK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"RELAYDESK_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"RELAYDESK_CHANNEL", config.Channel,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for RelayDesk data (overrides $RELAYDESK_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the conversation store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:     flag.String("channel", config.Channel, "message channel: twilio or whatsapp (overrides $RELAYDESK_CHANNEL)"),
		whatsappDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:    flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	// Keep the default SQLite path in sync with a state dir override.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore selects a storage backend from the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildSender selects the outbound message channel.
func buildSender(flags Flags) (channel.Sender, error) {
	switch *flags.channel {
	case "whatsapp":
		var waOpts []channel.WhatsAppOption
		if *flags.whatsappDSN != "" {
			waOpts = append(waOpts, channel.WithSessionDSN(*flags.whatsappDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, channel.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, channel.WithNumericCode())
		}
		return channel.NewWhatsAppSender(waOpts...)
	default:
		return channel.NewTwilioSender()
	}
}
