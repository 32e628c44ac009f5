package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/p3394/exemplar-agent/internal/config"
	"github.com/p3394/exemplar-agent/internal/consts"
)

var onboardHwd = &OnboardRunner{}

type OnboardRunner struct {
	scanner *bufio.Scanner
}

func (r *OnboardRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "onboard",
		Usage: "Interactive setup wizard for first-time configuration",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "accept-risk",
				Usage: "Skip the disclaimer prompt",
			},
		},
		Action: r.run,
	}
}

// ── style helpers ──────────────────────────────────────────────────

var (
	cBanner  = color.New(color.FgCyan, color.Bold)
	cStep    = color.New(color.FgCyan, color.Bold)
	cWarn    = color.New(color.FgYellow)
	cSuccess = color.New(color.FgGreen)
	cError   = color.New(color.FgRed)
	cPrompt  = color.New(color.FgWhite, color.Bold)
	cDim     = color.New(color.FgHiBlack)
)

// ── provider metadata ──────────────────────────────────────────────

type providerMeta struct {
	Type       string
	DefaultURL string
	Model      string
}

var providerOptions = []providerMeta{
	{Type: "openai", DefaultURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	{Type: "anthropic", DefaultURL: "https://api.anthropic.com", Model: "claude-sonnet-4-20250514"},
	{Type: "gemini", DefaultURL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-2.5-flash"},
	{Type: "ollama", DefaultURL: "http://localhost:11434", Model: "llama3"},
	{Type: "qwen", DefaultURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-plus"},
}

// ── main flow ──────────────────────────────────────────────────────

func (r *OnboardRunner) run(ctx context.Context, cmd *cli.Command) error {
	_ = ctx
	r.scanner = bufio.NewScanner(os.Stdin)

	cfgPath := consts.DefaultConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		cWarn.Printf("  Config already exists at %s\n", cfgPath)
		if !r.confirm("  Overwrite existing config?", false) {
			fmt.Println("  Aborted.")
			return nil
		}
		fmt.Println()
	}

	if !cmd.Bool("accept-risk") {
		if !r.stepWelcome() {
			return nil
		}
	}

	providerID, provCfg, pm, err := r.stepProvider()
	if err != nil {
		return err
	}

	primaryModel := r.stepModel(providerID, pm)

	enforceAuth := r.stepSecurity()

	return r.stepConfirm(cfgPath, providerID, provCfg, pm, primaryModel, enforceAuth)
}

func (r *OnboardRunner) stepWelcome() bool {
	fmt.Println()
	cBanner.Println("  ██████╗ ██████╗ ██████╗  █████╗ ")
	cBanner.Println("  ██╔══██╗╚════██╗╚════██╗██╔══██╗")
	cBanner.Println("  ██████╔╝ █████╔╝ █████╔╝╚██████║")
	cBanner.Println("  ██╔═══╝  ╚═══██╗ ╚═══██╗ ╚═══██║")
	cBanner.Println("  ██║     ██████╔╝██████╔╝ █████╔╝")
	cBanner.Println("  ╚═╝     ╚═════╝ ╚═════╝  ╚════╝ ")
	cDim.Println("  P3394 Exemplar Agent")
	fmt.Println()

	cWarn.Println("  ⚠  DISCLAIMER")
	fmt.Println()
	cWarn.Println("  This agent executes commands, reads/writes files, and invokes")
	cWarn.Println("  capabilities on your behalf. By continuing, you acknowledge:")
	fmt.Println()
	cWarn.Println("  • You are responsible for reviewing high-danger-level")
	cWarn.Println("    capability invocations and the principals granted to use them.")
	cWarn.Println("  • API keys and tokens are stored locally in")
	cWarn.Printf("    %s. Keep this file secure.\n", consts.DefaultConfigPath())
	cWarn.Println("  • This software is provided \"as-is\" without warranty.")
	fmt.Println()

	if !r.confirm("  Do you accept these terms?", false) {
		fmt.Println()
		fmt.Println("  Aborted. You must accept the terms to continue.")
		return false
	}
	fmt.Println()
	return true
}

func (r *OnboardRunner) stepProvider() (string, config.ProviderConfig, providerMeta, error) {
	r.printStepHeader("Step 2", "LLM Provider")

	cDim.Println("  Select provider type:")
	for i, p := range providerOptions {
		fmt.Printf("    [%d] %s\n", i+1, p.Type)
	}
	fmt.Println()

	idx := r.promptChoice("  Provider type", 1, len(providerOptions))
	pm := providerOptions[idx-1]
	fmt.Println()

	providerID := r.promptDefault("  Provider name", pm.Type+"-main")
	fmt.Println()

	apiKey := ""
	if pm.Type != "ollama" {
		apiKey = r.promptRequired("  API Key")
		fmt.Println()
	}

	baseURL := r.promptDefault("  Base URL", pm.DefaultURL)
	fmt.Println()

	provCfg := config.ProviderConfig{
		Type: pm.Type,
		Config: map[string]any{
			"api_key":       apiKey,
			"base_url":      baseURL,
			"default_model": pm.Model,
			"timeout":       60,
			"max_retries":   3,
		},
	}

	cSuccess.Printf("  ✓ Provider: %s (%s)\n\n", providerID, pm.Type)
	return providerID, provCfg, pm, nil
}

func (r *OnboardRunner) stepModel(providerID string, pm providerMeta) string {
	r.printStepHeader("Step 3", "Model")

	model := r.promptDefault("  Model name", pm.Model)
	fmt.Println()

	fullSpec := providerID + ":" + model
	cSuccess.Printf("  ✓ Model: %s\n\n", fullSpec)
	return fullSpec
}

func (r *OnboardRunner) stepSecurity() bool {
	r.printStepHeader("Step 4", "Authentication enforcement")

	cDim.Println("  When enabled, every capability invocation is checked against")
	cDim.Println("  the authorization policy engine before it runs.")
	fmt.Println()

	enabled := r.confirm("  Enforce authentication policy?", true)
	fmt.Println()
	if enabled {
		cSuccess.Println("  ✓ Authentication enforcement: enabled")
	} else {
		cSuccess.Println("  ✓ Authentication enforcement: disabled")
	}
	fmt.Println()
	return enabled
}

func (r *OnboardRunner) stepConfirm(
	cfgPath string,
	providerID string, provCfg config.ProviderConfig, pm providerMeta,
	primaryModel string,
	enforceAuth bool,
) error {
	r.printStepHeader("Step 5", "Review")

	workspaceDir := consts.DefaultWorkspaceDir()

	cDim.Printf("  Home directory:  %s\n", consts.HomeDir())
	cDim.Printf("  Config file:     %s\n", cfgPath)
	cDim.Printf("  Workspace:       %s\n", workspaceDir)
	fmt.Println()
	cDim.Printf("  Provider:     %s (%s)\n", providerID, pm.Type)
	cDim.Printf("  Model:        %s\n", primaryModel)
	cDim.Printf("  Enforce auth: %v\n", enforceAuth)
	fmt.Println()

	if !r.confirm("  Write config and initialize workspace?", true) {
		fmt.Println("  Aborted.")
		return nil
	}
	fmt.Println()

	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			Bind:                  "0.0.0.0:8088",
			MaxConcurrentSessions: 100,
			RequestTimeout:        300,
			EnforceAuthentication: enforceAuth,
			SessionTTL:            "24h",
			CharsPerToken:         4,
			Terminal:              config.TerminalConfig{Enabled: true},
			HTTPAPI:               config.HTTPAPIConfig{Enabled: true, Bind: "0.0.0.0:8089", LLMCompat: true, AgentRPC: true},
		},
		Logging: config.LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			File:       filepath.Join(consts.HomeDir(), "logs", "gateway.log"),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     3,
		},
		Agents: map[string]config.AgentConfig{
			"default": {
				Name:      "Default",
				Workspace: workspaceDir,
				Models:    config.ModelsConfig{Primary: primaryModel},
				Config:    config.AgentRuntimeConfig{MaxIterations: 25, MaxTokens: 4000, Temperature: 0.7},
			},
		},
		Providers: map[string]config.ProviderConfig{providerID: provCfg},
	}

	if err := writeConfigDirect(cfgPath, cfg); err != nil {
		cError.Printf("  ✗ Failed to write config: %v\n", err)
		return err
	}
	cSuccess.Printf("  ✓ Created %s\n", cfgPath)

	if err := initWorkspace(workspaceDir); err != nil {
		cError.Printf("  ✗ Failed to initialize workspace: %v\n", err)
		return err
	}
	cSuccess.Printf("  ✓ Initialized workspace at %s\n", workspaceDir)
	cSuccess.Printf("  ✓ Created %d prompt template files\n", len(consts.WorkspaceMarkdownTemplates))

	fmt.Println()
	cSuccess.Println("  All set! Run \"p3394agent gateway run\" to start.")
	fmt.Println()

	return nil
}

// ── workspace init ─────────────────────────────────────────────────

func initWorkspace(workspaceDir string) error {
	dirs := []string{
		workspaceDir,
		filepath.Join(workspaceDir, "memory"),
		filepath.Join(workspaceDir, "memory", "sessions"),
		filepath.Join(workspaceDir, "memory", "daily"),
		filepath.Join(workspaceDir, "skills"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	for name, tpl := range consts.WorkspaceMarkdownTemplates {
		path := filepath.Join(workspaceDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(tpl), 0o644); err != nil {
			return fmt.Errorf("write template %s: %w", name, err)
		}
	}

	return nil
}

func writeConfigDirect(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Apply("config", cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	return config.Save()
}

// ── input helpers ──────────────────────────────────────────────────

func (r *OnboardRunner) prompt(label string) string {
	cPrompt.Printf("%s > ", label)
	if r.scanner.Scan() {
		return strings.TrimSpace(r.scanner.Text())
	}
	return ""
}

func (r *OnboardRunner) promptDefault(label string, defaultVal string) string {
	if defaultVal != "" {
		cPrompt.Printf("%s ", label)
		cDim.Printf("[%s]", defaultVal)
		cPrompt.Print(" > ")
	} else {
		cPrompt.Printf("%s > ", label)
	}

	if r.scanner.Scan() {
		val := strings.TrimSpace(r.scanner.Text())
		if val != "" {
			return val
		}
	}
	return defaultVal
}

func (r *OnboardRunner) promptRequired(label string) string {
	for {
		val := r.prompt(label)
		if val != "" {
			return val
		}
		cError.Println("  This field is required.")
	}
}

func (r *OnboardRunner) promptChoice(label string, min, max int) int {
	for {
		val := r.promptDefault(label, strconv.Itoa(min))
		n, err := strconv.Atoi(val)
		if err == nil && n >= min && n <= max {
			return n
		}
		cError.Printf("  Please enter a number between %d and %d.\n", min, max)
	}
}

func (r *OnboardRunner) confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	cPrompt.Printf("%s %s > ", label, hint)
	if r.scanner.Scan() {
		val := strings.ToLower(strings.TrimSpace(r.scanner.Text()))
		if val == "" {
			return defaultYes
		}
		return val == "y" || val == "yes"
	}
	return defaultYes
}

func (r *OnboardRunner) printStepHeader(step string, title string) {
	cStep.Printf("═══ %s: %s ═══\n\n", step, title)
}
