package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/api"
	"github.com/BTreeMap/IntakeFlow/internal/flow"
	"github.com/BTreeMap/IntakeFlow/internal/genai"
	"github.com/BTreeMap/IntakeFlow/internal/lockfile"
	"github.com/BTreeMap/IntakeFlow/internal/messaging"
	"github.com/BTreeMap/IntakeFlow/internal/recovery"
	"github.com/BTreeMap/IntakeFlow/internal/scheduler"
	"github.com/BTreeMap/IntakeFlow/internal/store"
	"github.com/BTreeMap/IntakeFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/IntakeFlow/internal/util"
	"github.com/BTreeMap/IntakeFlow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakeFlow state data
	DefaultStateDir = "/var/lib/intakeflow"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "intakeflow.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow data
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often the outbox sender claims due messages
	DefaultOutboxPollInterval = 2 * time.Second
	// DefaultJobPollInterval is how often the job runner claims due jobs
	DefaultJobPollInterval = 5 * time.Second
	// DefaultDedupRetention is how long processed inbound dedup records are kept
	DefaultDedupRetention = 7 * 24 * time.Hour
	// DefaultStaleThreshold is the age after which in-flight outbox messages
	// and running jobs are considered abandoned by a dead process
	DefaultStaleThreshold = 10 * time.Minute
	// dedupPruneCron prunes old dedup records nightly
	dedupPruneCron = "0 3 * * *"
	// staleRequeueCron requeues abandoned outbox messages and jobs hourly
	staleRequeueCron = "0 * * * *"
)

// Messaging backend names accepted in MESSAGING_BACKEND / --messaging-backend.
const (
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
	BackendNone      = "none"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping IntakeFlow with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"backend", *flags.backend)

	if err := run(config, flags); err != nil {
		slog.Error("IntakeFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakeFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDSN   string
	WhatsAppDBDSN    string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	MessagingBackend string
	FlowFile         string
	SystemPromptFile string
	ReminderDelay    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	dbDSN            *string
	whatsappDSN      *string
	openaiKey        *string
	openaiModel      *string
	apiAddr          *string
	backend          *string
	flowFile         *string
	systemPromptFile *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:         os.Getenv("INTAKEFLOW_STATE_DIR"),
		ApplicationDSN:   os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("INTAKEFLOW_API_ADDR"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),
		FlowFile:         os.Getenv("INTAKEFLOW_FLOW_FILE"),
		SystemPromptFile: os.Getenv("INTAKEFLOW_SYSTEM_PROMPT_FILE"),
		ReminderDelay:    util.ParseDurationEnv("INTAKEFLOW_REMINDER_DELAY", messaging.DefaultReminderDelay),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKEFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("INTAKEFLOW_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Legacy DATABASE_URL support for the application store
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = os.Getenv("DATABASE_URL")
		if config.ApplicationDSN != "" {
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDSN)
	}

	// The whatsmeow session store gets its own database; foreign keys are
	// required by the library.
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	if config.MessagingBackend == "" {
		config.MessagingBackend = BackendWhatsmeow
	}

	slog.Debug("environment variables loaded",
		"INTAKEFLOW_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"INTAKEFLOW_API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"INTAKEFLOW_FLOW_FILE", config.FlowFile,
		"INTAKEFLOW_SYSTEM_PROMPT_FILE", config.SystemPromptFile,
		"INTAKEFLOW_REMINDER_DELAY", config.ReminderDelay)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:         flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:          flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for IntakeFlow data (overrides $INTAKEFLOW_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", config.ApplicationDSN, "database DSN for the application store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      flag.String("openai-model", config.OpenAIModel, "OpenAI model for the handoff chat (overrides $OPENAI_MODEL)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $INTAKEFLOW_API_ADDR)"),
		backend:          flag.String("messaging-backend", config.MessagingBackend, "messaging backend: whatsmeow, twilio, or none (overrides $MESSAGING_BACKEND)"),
		flowFile:         flag.String("flow-file", config.FlowFile, "path to a JSON step catalog (overrides $INTAKEFLOW_FLOW_FILE)"),
		systemPromptFile: flag.String("system-prompt-file", config.SystemPromptFile, "path to the handoff system prompt (overrides $INTAKEFLOW_SYSTEM_PROMPT_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"whatsappDSN_set", *flags.whatsappDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"flowFile", *flags.flowFile,
		"systemPromptFile", *flags.systemPromptFile)

	// Follow a state-dir override for the default SQLite paths
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated application DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.whatsappDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
			slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:"))
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	return nil
}

// openStore opens the application store appropriate for the DSN.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store; state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, opening PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, opening SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// loadCatalog loads the step catalog from the flow file, or the built-in
// default when none is configured.
func loadCatalog(flowFile string) (*flow.Catalog, error) {
	if flowFile == "" {
		slog.Debug("No flow file configured, using default intake catalog")
		return flow.DefaultCatalog(), nil
	}
	catalog, err := flow.LoadCatalogFile(flowFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow file %s: %w", flowFile, err)
	}
	slog.Info("Loaded step catalog from flow file", "path", flowFile, "steps", catalog.Len())
	return catalog, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildMessagingService constructs the configured messaging backend and any
// API options it needs (the Twilio backend mounts its inbound webhook).
func buildMessagingService(flags Flags) (messaging.Service, []api.Option, error) {
	switch *flags.backend {
	case BackendWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil

	case BackendTwilio:
		// Credentials come from TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
		// TWILIO_FROM_NUMBER; the client reads them itself.
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twilioSvc := messaging.NewTwilioService(client)
		return twilioSvc, []api.Option{api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler)}, nil

	case BackendNone:
		slog.Info("Messaging backend disabled, running HTTP API only")
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q (want whatsmeow, twilio, or none)", *flags.backend)
	}
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Refuse to share state with another running instance.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	catalog, err := loadCatalog(*flags.flowFile)
	if err != nil {
		return err
	}

	aiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	convSvc := flow.NewService(st, aiClient, catalog, *flags.systemPromptFile)
	if *flags.systemPromptFile != "" {
		if err := convSvc.LoadSystemPrompt(); err != nil {
			slog.Warn("Failed to load system prompt file, using built-in prompt", "error", err, "path", *flags.systemPromptFile)
		}
	}

	msgService, apiOpts, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}

	// Durable job runner delivers reminder nudges regardless of backend; the
	// outbox sender needs a backend to hand messages to.
	jobRunner := store.NewJobRunner(st, DefaultJobPollInterval)
	jobRunner.RegisterHandler(messaging.JobKindSessionReminder, messaging.ReminderJobHandler(st, catalog))

	var outboxSender *store.OutboxSender
	if msgService != nil {
		outboxSender = store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
			payload, err := store.DecodeMessagePayload(msg.PayloadJSON)
			if err != nil {
				return fmt.Errorf("failed to decode outbox payload: %w", err)
			}
			return msgService.SendMessage(ctx, payload.To, payload.Body)
		}, DefaultOutboxPollInterval)
	}

	// Repair state left behind by a crashed process before serving traffic.
	mgr := recovery.NewManager()
	mgr.Register(recovery.NewSessionRecovery(st, catalog))
	mgr.Register(recovery.NewJobRecovery(jobRunner))
	if outboxSender != nil {
		mgr.Register(recovery.NewOutboxRecovery(outboxSender))
	}
	if err := mgr.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery reported failures", "error", err)
	}

	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer func() {
			if err := msgService.Stop(); err != nil {
				slog.Error("Failed to stop messaging service", "error", err)
			}
		}()

		responseHandler := messaging.NewResponseHandler(convSvc, st, msgService)
		responseHandler.SetReminderDelay(config.ReminderDelay)
		responseHandler.Start(ctx)

		go outboxSender.Run(ctx)
	}
	go jobRunner.Run(ctx)

	// Periodic maintenance: prune old dedup records and requeue work
	// abandoned by a dead process.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(dedupPruneCron, func() {
		if n, err := st.PruneDedupBefore(time.Now().Add(-DefaultDedupRetention)); err != nil {
			slog.Error("Dedup prune failed", "error", err)
		} else if n > 0 {
			slog.Info("Pruned old dedup records", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule dedup pruning: %w", err)
	}
	if err := sched.AddJob(staleRequeueCron, func() {
		staleBefore := time.Now().Add(-DefaultStaleThreshold)
		if n, err := st.RequeueStaleSendingMessages(staleBefore); err != nil {
			slog.Error("Stale outbox requeue failed", "error", err)
		} else if n > 0 {
			slog.Info("Requeued stale outbox messages", "count", n)
		}
		if n, err := st.RequeueStaleRunningJobs(staleBefore); err != nil {
			slog.Error("Stale job requeue failed", "error", err)
		} else if n > 0 {
			slog.Info("Requeued stale jobs", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule stale requeue: %w", err)
	}

	server := api.NewServer(convSvc, st, msgService, apiOpts...)
	return server.Run(ctx)
}
