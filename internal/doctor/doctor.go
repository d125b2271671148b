// Package doctor runs the supervisor's preflight diagnostic checks (spec
// §9's "doctor" tooling), grounded on the teacher's checklist/Diagnosis
// shape (internal/doctor/doctor.go) but re-pointed at this supervisor's
// own config, state store, and git working tree instead of a SQLite
// database and an LLM-gateway config surface.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/budget"
	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// CheckResult is one diagnostic check's outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis bundles every check's result for one doctor run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo describes the host the supervisor is running on.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check against cfg.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDataDir,
		checkGitWorktree,
		checkBudget,
		checkExternalTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "config missing"}
	}

	provider := cfg.LLM.Provider
	if provider == "" {
		provider = "anthropic"
	}

	var envVar, key string
	switch provider {
	case "anthropic":
		envVar, key = "ANTHROPIC_API_KEY", cfg.AnthropicAPIKey()
	case "openai":
		envVar, key = "OPENAI_API_KEY", cfg.OpenAIAPIKey()
	default:
		return CheckResult{Name: "API Key", Status: "WARN", Message: fmt.Sprintf("unrecognized provider %q", provider)}
	}

	if key != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "FAIL",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
	}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Dir", Status: "SKIP", Message: "config missing"}
	}
	if _, err := state.Open(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("cannot open data root: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Data Dir", Status: "PASS", Message: "data root writable"}
}

func checkGitWorktree(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Git.RepoDir == "" {
		return CheckResult{Name: "Git Worktree", Status: "SKIP", Message: "no repo_dir configured"}
	}
	info, err := os.Stat(filepath.Join(cfg.Git.RepoDir, ".git"))
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Git Worktree", Status: "FAIL", Message: fmt.Sprintf("%s is not a git working tree", cfg.Git.RepoDir)}
	}
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = cfg.Git.RepoDir
	out, err := cmd.Output()
	if err != nil {
		return CheckResult{Name: "Git Worktree", Status: "FAIL", Message: fmt.Sprintf("git status failed: %v", err)}
	}
	if len(out) > 0 {
		return CheckResult{Name: "Git Worktree", Status: "WARN", Message: "working tree has uncommitted changes", Detail: string(out)}
	}
	return CheckResult{Name: "Git Worktree", Status: "PASS", Message: "working tree clean"}
}

func checkBudget(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Budget", Status: "SKIP", Message: "config missing"}
	}
	st, err := mustOpenState(cfg)
	if err != nil {
		return CheckResult{Name: "Budget", Status: "WARN", Message: fmt.Sprintf("cannot read state: %v", err)}
	}
	if budget.Exhausted(st, cfg.TotalBudgetUSD) {
		return CheckResult{Name: "Budget", Status: "FAIL", Message: fmt.Sprintf("spent $%.2f of $%.2f budget", st.SpentUSD, cfg.TotalBudgetUSD)}
	}
	return CheckResult{Name: "Budget", Status: "PASS", Message: fmt.Sprintf("$%.2f remaining of $%.2f", budget.RemainingUSD(st, cfg.TotalBudgetUSD), cfg.TotalBudgetUSD)}
}

func mustOpenState(cfg *config.Config) (state.State, error) {
	s, err := state.Open(cfg.HomeDir)
	if err != nil {
		return state.State{}, err
	}
	return s.Load()
}

func checkExternalTools(ctx context.Context, _ *config.Config) CheckResult {
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "External Tools", Status: "FAIL", Message: "git binary not found on PATH"}
	}
	return CheckResult{Name: "External Tools", Status: "PASS", Message: "git: ok"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	provider := "anthropic"
	if cfg != nil && cfg.LLM.Provider != "" {
		provider = cfg.LLM.Provider
	}

	endpoints := map[string]string{
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "api.anthropic.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "WARN",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
