package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/PROACTIVA-US/pipelinehardening/api"
	"github.com/PROACTIVA-US/pipelinehardening/core"
	"github.com/PROACTIVA-US/pipelinehardening/core/env"
	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/gitdriver"
	"github.com/PROACTIVA-US/pipelinehardening/orchestrator"
	"github.com/PROACTIVA-US/pipelinehardening/runner/localcmd"
	"github.com/PROACTIVA-US/pipelinehardening/utils"
)

// Options are the CLI flags for running one session.
type Options struct {
	Repo       string `long:"repo" description:"Path to the git repository test plans run against" required:"true"`
	Plan       string `long:"plan" description:"Path to the test plan file to execute" required:"true"`
	Workers    int    `long:"workers" description:"Number of concurrent execution workers" default:"4"`
	RunnerCmd  string `long:"runner-cmd" description:"Local command to invoke for each test batch" default:"go"`
	BatchCount int    `long:"batches" description:"Number of plan batches to run, one request per batch index from 0 (0 runs the plan whole)" default:"0"`
	MaxRetries int    `long:"max-retries" description:"Maximum retry attempts per failed batch" default:"1"`
	Timeout    int    `long:"timeout" description:"Per-batch runner timeout in seconds" default:"300"`
	Version    bool   `long:"version" short:"v" description:"Show version information"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("%s\n", core.GetVersion())
		os.Exit(0)
	}

	log.SetLevel(slog.LevelInfo)
	log.Info("🚀 pipelinehardening starting - version %s", core.GetVersion())
	log.Info("⚙️  Configuration: repo=%s plan=%s workers=%d", opts.Repo, opts.Plan, opts.Workers)

	sessionLock, err := utils.NewSessionLock(opts.Repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating session lock: %v\n", err)
		os.Exit(1)
	}
	if err := sessionLock.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := sessionLock.Unlock(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to release session lock: %v\n", err)
		}
	}()

	envManager, err := env.NewEnvManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading environment: %v\n", err)
		os.Exit(1)
	}

	baseDir := envManager.Get("WORKTREE_BASE_DIR")
	if baseDir == "" {
		baseDir = opts.Repo + "-worktrees"
	}

	defaults := orchestrator.Config{
		NumWorkers:           opts.Workers,
		BaseDir:              baseDir,
		DefaultRunnerTimeout: time.Duration(opts.Timeout) * time.Second,
		DefaultMaxRetries:    opts.MaxRetries,
	}
	cfg := env.OrchestratorConfig(envManager, defaults)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		<-interrupt
		log.Info("🛑 received interrupt, shutting down")
		cancel()
	}()

	vcs := gitdriver.New(opts.Repo)
	runner := localcmd.New(opts.RunnerCmd, "test")

	requests := buildRequests(opts)

	report, err := orchestrator.RunTests(ctx, cfg, vcs, runner, nil, requests)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running tests: %v\n", err)
		os.Exit(1)
	}

	response := api.FromReport(sessionID(), report)
	output, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))

	if report.Status == domain.SessionFailed {
		os.Exit(1)
	}
}

// buildRequests returns one request per batch index 0..BatchCount-1, each
// selecting that single batch of the plan (or one whole-plan request if
// BatchCount is 0).
func buildRequests(opts Options) []domain.TestRequest {
	if opts.BatchCount <= 0 {
		return []domain.TestRequest{{
			PlanPath:   opts.Plan,
			BatchRange: domain.AllBatches(),
			MaxRetries: opts.MaxRetries,
			Config:     domain.RunnerConfig{Timeout: time.Duration(opts.Timeout) * time.Second},
		}}
	}

	requests := make([]domain.TestRequest, 0, opts.BatchCount)
	for i := 0; i < opts.BatchCount; i++ {
		requests = append(requests, domain.TestRequest{
			PlanPath:   opts.Plan,
			BatchRange: domain.NewBatchRange(i, i),
			MaxRetries: opts.MaxRetries,
			Config:     domain.RunnerConfig{Timeout: time.Duration(opts.Timeout) * time.Second},
		})
	}
	return requests
}

func sessionID() string {
	return fmt.Sprintf("session-%d", time.Now().UnixNano())
}
