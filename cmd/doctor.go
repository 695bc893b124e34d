package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/codexclaw/internal/codex"
	"github.com/nextlevelbuilder/codexclaw/internal/config"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("codexclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}
	masked := cfg.MaskedCopy()

	// Feishu
	fmt.Println()
	fmt.Println("  Feishu/Lark:")
	fc := masked.Channels.Feishu
	checkValue("App ID", fc.AppID)
	checkValue("App secret", fc.AppSecret)
	checkValue("Encrypt key", fc.EncryptKey)
	checkValue("Domain", fc.Domain)
	checkValue("Mode", fc.ConnectionMode)

	// Codex
	fmt.Println()
	fmt.Println("  Codex:")
	client, err := codex.NewClient(codexConfig(cfg))
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Client:", err)
	} else {
		if path, err := client.LookPath(); err != nil {
			fmt.Printf("    %-12s NOT FOUND (%s)\n", "Binary:", cfg.Codex.Binary)
		} else {
			fmt.Printf("    %-12s %s\n", "Binary:", path)
		}
		checkDir("Home:", client.Home())
	}
	checkValue("Sandbox", cfg.Codex.SandboxMode)
	checkValue("Approval", cfg.Codex.ApprovalPolicy)
	checkValue("Reasoning", cfg.Codex.ReasoningEffort)
	if wd := cfg.Codex.WorkingDirectory; wd != "" {
		checkDir("Workdir:", config.ExpandHome(wd))
	}

	// Sessions
	fmt.Println()
	fmt.Println("  Sessions:")
	backend := cfg.Sessions.Backend
	if backend == "" {
		backend = "file"
	}
	checkValue("Backend", backend)
	ctx := context.Background()
	s, closeStore, err := openBindingStore(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Store:", err)
	} else {
		b, err := s.Load(ctx)
		if err != nil {
			fmt.Printf("    %-12s %s (UNREADABLE: %s)\n", "Store:", s.Describe(), err)
		} else {
			fmt.Printf("    %-12s %s (%d bindings)\n", "Store:", s.Describe(), len(b))
		}
		closeStore()
	}

	// Status surface
	fmt.Println()
	if cfg.Status.IsEnabled() {
		fmt.Printf("  Status:   http://%s\n", cfg.Status.Addr())
	} else {
		fmt.Println("  Status:   disabled")
	}

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkValue(name, v string) {
	if v == "" {
		v = "(not configured)"
	}
	fmt.Printf("    %-12s %s\n", name+":", v)
}

func checkDir(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", label, path)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", label, path)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
