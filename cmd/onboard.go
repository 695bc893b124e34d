package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/codexclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: Feishu/Lark credentials and Codex options",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// onboardAnswers holds the wizard fields; huh binds to plain values.
type onboardAnswers struct {
	appID, appSecret     string
	encryptKey, verToken string
	domain, mode         string
	webhookPort          string
	sandbox, approval    string
	effort, workdir      string
	webSearch            bool
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Error loading %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	a := answersFromConfig(cfg)

	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Feishu/Lark App ID").Value(&a.appID).Validate(required),
			huh.NewInput().Title("App Secret").EchoMode(huh.EchoModePassword).Value(&a.appSecret).Validate(required),
			huh.NewSelect[string]().Title("Platform").
				Options(huh.NewOption("Feishu (China)", "feishu"), huh.NewOption("Lark (international)", "lark")).
				Value(&a.domain),
			huh.NewSelect[string]().Title("Event delivery").
				Options(huh.NewOption("Long connection (no public URL needed)", "websocket"), huh.NewOption("Webhook", "webhook")).
				Value(&a.mode),
		),
		huh.NewGroup(
			huh.NewInput().Title("Webhook port").Value(&a.webhookPort).Validate(validatePort),
			huh.NewInput().Title("Encrypt key (optional)").EchoMode(huh.EchoModePassword).Value(&a.encryptKey),
			huh.NewInput().Title("Verification token (optional)").EchoMode(huh.EchoModePassword).Value(&a.verToken),
		).WithHideFunc(func() bool { return a.mode != "webhook" }),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Codex sandbox").
				Options(
					huh.NewOption("read-only", "read-only"),
					huh.NewOption("workspace-write", "workspace-write"),
					huh.NewOption("danger-full-access", "danger-full-access"),
				).
				Value(&a.sandbox),
			huh.NewSelect[string]().Title("Approval policy").
				Options(
					huh.NewOption("never", "never"),
					huh.NewOption("on-request", "on-request"),
					huh.NewOption("on-failure", "on-failure"),
					huh.NewOption("untrusted", "untrusted"),
				).
				Value(&a.approval),
			huh.NewSelect[string]().Title("Reasoning effort").
				Options(
					huh.NewOption("minimal", "minimal"),
					huh.NewOption("low", "low"),
					huh.NewOption("medium", "medium"),
					huh.NewOption("high", "high"),
				).
				Value(&a.effort),
			huh.NewInput().Title("Working directory (empty = current)").Value(&a.workdir),
			huh.NewConfirm().Title("Allow web search?").Value(&a.webSearch),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Onboarding cancelled.")
			return
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	a.apply(cfg)

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if err := writeSecrets(envPath, a.secrets()); err != nil {
		fmt.Printf("Error saving secrets: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Printf("Secrets saved to %s\n", envPath)
	fmt.Println()
	fmt.Println("Start the bridge:  ./codexclaw")
}

func answersFromConfig(cfg *config.Config) *onboardAnswers {
	fc := cfg.Channels.Feishu
	domain := fc.Domain
	if domain != "lark" {
		domain = "feishu"
	}
	return &onboardAnswers{
		appID:       fc.AppID,
		appSecret:   fc.AppSecret,
		encryptKey:  fc.EncryptKey,
		verToken:    fc.VerificationToken,
		domain:      domain,
		mode:        fc.ConnectionMode,
		webhookPort: strconv.Itoa(fc.WebhookPort),
		sandbox:     cfg.Codex.SandboxMode,
		approval:    cfg.Codex.ApprovalPolicy,
		effort:      cfg.Codex.ReasoningEffort,
		workdir:     cfg.Codex.WorkingDirectory,
		webSearch:   cfg.Codex.WebSearchEnabled == nil || *cfg.Codex.WebSearchEnabled,
	}
}

func (a *onboardAnswers) apply(cfg *config.Config) {
	fc := &cfg.Channels.Feishu
	fc.Enabled = config.BoolPtr(true)
	fc.AppID = strings.TrimSpace(a.appID)
	fc.AppSecret = strings.TrimSpace(a.appSecret)
	fc.EncryptKey = strings.TrimSpace(a.encryptKey)
	fc.VerificationToken = strings.TrimSpace(a.verToken)
	fc.Domain = a.domain
	fc.ConnectionMode = a.mode
	if n, err := strconv.Atoi(a.webhookPort); err == nil {
		fc.WebhookPort = n
	}

	cfg.Codex.SandboxMode = a.sandbox
	cfg.Codex.ApprovalPolicy = a.approval
	cfg.Codex.ReasoningEffort = a.effort
	cfg.Codex.WorkingDirectory = strings.TrimSpace(a.workdir)
	cfg.Codex.WebSearchEnabled = config.BoolPtr(a.webSearch)
}

// secrets returns the values config.Save strips, keyed by their env names.
func (a *onboardAnswers) secrets() map[string]string {
	m := map[string]string{
		"FEISHU_APP_ID":     strings.TrimSpace(a.appID),
		"FEISHU_APP_SECRET": strings.TrimSpace(a.appSecret),
	}
	if v := strings.TrimSpace(a.encryptKey); v != "" {
		m["FEISHU_ENCRYPT_KEY"] = v
	}
	if v := strings.TrimSpace(a.verToken); v != "" {
		m["FEISHU_VERIFICATION_TOKEN"] = v
	}
	return m
}

// writeSecrets merges secrets into the dotenv file at path, keeping other keys.
func writeSecrets(path string, secrets map[string]string) error {
	env := map[string]string{}
	if existing, err := godotenv.Read(path); err == nil {
		env = existing
	}
	for k, v := range secrets {
		env[k] = v
	}
	if err := godotenv.Write(env, path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("must be a port number (1-65535)")
	}
	return nil
}
