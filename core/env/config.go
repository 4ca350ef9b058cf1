package env

import (
	"strconv"
	"time"

	"github.com/PROACTIVA-US/pipelinehardening/orchestrator"
)

// OrchestratorConfig reads an orchestrator.Config from em, falling back to
// the given defaults for anything unset or unparsable, grounded on the
// teacher's MAX_CONCURRENCY/WORKTREE_POOL_SIZE env-driven sizing.
func OrchestratorConfig(em *EnvManager, defaults orchestrator.Config) orchestrator.Config {
	cfg := defaults

	if v, ok := getInt(em, "NUM_WORKERS"); ok {
		cfg.NumWorkers = v
	}
	if v := em.Get("WORKTREE_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v, ok := getInt(em, "MAX_QUEUE_SIZE"); ok {
		cfg.MaxQueueSize = v
	}
	if v, ok := getDuration(em, "DEFAULT_RUNNER_TIMEOUT_SECONDS"); ok {
		cfg.DefaultRunnerTimeout = v
	}
	if v, ok := getInt(em, "DEFAULT_MAX_RETRIES"); ok {
		cfg.DefaultMaxRetries = v
	}
	if v, ok := getInt(em, "MAX_RESET_FAILURES"); ok {
		cfg.MaxResetFailures = v
	}
	if v, ok := getBool(em, "PRESERVE_ERROR_LEASES"); ok {
		cfg.PreserveErrorLeases = v
	}

	return cfg
}

func getInt(em *EnvManager, key string) (int, bool) {
	raw := em.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func getBool(em *EnvManager, key string) (bool, bool) {
	raw := em.Get(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func getDuration(em *EnvManager, key string) (time.Duration, bool) {
	seconds, ok := getInt(em, key)
	if !ok {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
