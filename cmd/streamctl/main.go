package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/streamkit/streamkit/internal/adapter/factory"
	"github.com/streamkit/streamkit/internal/config"
	"github.com/streamkit/streamkit/internal/jobs"
	jobpg "github.com/streamkit/streamkit/internal/jobs/postgres"
	jobsqlite "github.com/streamkit/streamkit/internal/jobs/sqlite"
	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/logging"
	"github.com/streamkit/streamkit/internal/modelmeta"
	"github.com/streamkit/streamkit/internal/resilience"
	"github.com/streamkit/streamkit/internal/settings"
	setpg "github.com/streamkit/streamkit/internal/settings/postgres"
	setsqlite "github.com/streamkit/streamkit/internal/settings/sqlite"
	"github.com/streamkit/streamkit/internal/streaming"
	"github.com/streamkit/streamkit/internal/version"
)

func main() {
	var (
		providerFlag = flag.String("provider", "", "provider name (openai, amazon-bedrock, google, azure)")
		modelFlag    = flag.String("model", "", "model id")
		promptFlag   = flag.String("prompt", "", "prompt text; reads stdin when empty")
		userFlag     = flag.String("user", "cli", "user id recorded on the job")
		timeoutFlag  = flag.Duration("timeout", 0, "override the computed stream timeout")
		versionFlag  = flag.Bool("version", false, "print build information and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logOutput := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		w, err := logging.NewRotatingWriter(cfg.LogFile, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer w.Close()
		logOutput = w
	}
	rootLogger := logging.NewComponentLogger("streamctl", logOutput)

	store, err := openSettingsStore(cfg)
	if err != nil {
		rootLogger.Fatalf("open settings store: %v", err)
	}
	defer store.Close()
	provider := settings.NewCached(store)
	provider.SetLogger(logging.NewComponentLogger("settings", logOutput))

	meta := modelmeta.NewStore()
	meta.SetLogger(logging.NewComponentLogger("modelmeta", logOutput))
	if cfg.ModelMetaFile != "" {
		if n, err := meta.Load(cfg.ModelMetaFile); err != nil {
			rootLogger.Printf("model metadata load failed file=%s err=%v", cfg.ModelMetaFile, err)
		} else {
			rootLogger.Printf("model metadata loaded file=%s entries=%d", cfg.ModelMetaFile, n)
		}
	}
	if cfg.ModelMetaURL != "" {
		meta.StartAutoRefresh(modelmeta.LoaderConfig{RemoteURL: cfg.ModelMetaURL})
	}

	adapters := factory.NewDefault(factory.Options{
		Settings:        provider,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OpenAIOrg:       cfg.OpenAIOrg,
		BedrockBaseURL:  cfg.BedrockBaseURL,
		BedrockRegion:   cfg.BedrockRegion,
		GeminiBaseURL:   cfg.GeminiBaseURL,
		AzureBaseURL:    cfg.AzureBaseURL,
		AzureAPIVersion: cfg.AzureAPIVersion,
	})

	svc := streaming.NewService(adapters,
		streaming.WithBreakerConfig(resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryWindow:   cfg.BreakerRecoveryWindow,
		}),
		streaming.WithModelMeta(meta),
		streaming.WithModelAliases(cfg.ModelAliases),
		streaming.WithLogger(logging.NewComponentLogger("streaming", logOutput)),
	)

	jobStore, err := openJobStore(cfg)
	if err != nil {
		rootLogger.Fatalf("open job store: %v", err)
	}
	defer jobStore.Close()

	prompt := strings.TrimSpace(*promptFlag)
	if prompt == "" {
		prompt = readStdin()
	}
	if prompt == "" {
		rootLogger.Fatal("no prompt given (use -prompt or pipe stdin)")
	}

	req := llm.StreamRequest{
		Provider: firstNonEmpty(*providerFlag, cfg.DefaultProvider),
		ModelID:  firstNonEmpty(*modelFlag, cfg.DefaultModel),
		UserID:   *userFlag,
		Source:   "streamctl",
		Timeout:  *timeoutFlag,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, err := jobs.NewTracker(ctx, jobStore, req)
	if err != nil {
		rootLogger.Fatalf("create job: %v", err)
	}
	tracker.SetLogger(logging.NewComponentLogger("jobs", logOutput))
	if err := tracker.Start(ctx); err != nil {
		rootLogger.Fatalf("start job: %v", err)
	}
	rootLogger.Printf("job created id=%s provider=%s model=%s", tracker.JobID(), req.Provider, req.ModelID)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var streamErr error
	start := time.Now()
	err = svc.Stream(ctx, req, streaming.Callbacks{
		OnProgress: func(delta string) {
			out.WriteString(delta)
			out.Flush()
			tracker.OnProgress(delta)
		},
		OnFinish: func(data llm.FinishData) {
			out.WriteString("\n")
			tracker.OnFinish(data)
			rootLogger.Printf("stream finished job=%s reason=%s tokens=%d elapsed=%s",
				tracker.JobID(), data.FinishReason, data.Usage.TotalTokens, time.Since(start).Round(time.Millisecond))
		},
		OnError: func(err error) {
			tracker.OnError(err)
			streamErr = err
		},
	})
	if err != nil {
		rootLogger.Fatalf("stream rejected: %v", err)
	}
	if streamErr != nil {
		rootLogger.Fatalf("stream failed job=%s: %v", tracker.JobID(), streamErr)
	}
}

func openSettingsStore(cfg config.Config) (settings.Store, error) {
	if cfg.SettingsPGDSN != "" {
		return setpg.New(cfg.SettingsPGDSN)
	}
	return setsqlite.New(cfg.SettingsDBPath)
}

func openJobStore(cfg config.Config) (jobs.Store, error) {
	if cfg.JobsPGDSN != "" {
		return jobpg.New(cfg.JobsPGDSN)
	}
	return jobsqlite.New(cfg.JobsDBPath)
}

func readStdin() string {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return ""
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
