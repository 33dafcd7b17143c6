package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/sandbox"
	"github.com/andylabs/andbot/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	fmt.Println("andbot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Printf("  Config:   ERROR (%s)\n", err)
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	fmt.Printf("  Config:   OK (assistant=%s, image=%s, tz=%s)\n", cfg.AssistantName, cfg.ContainerImage, cfg.Timezone)

	// Container runtime
	r := container.NewRunner(cfg, nil, container.Callbacks{})
	if err := r.Precheck(context.Background()); err != nil {
		fmt.Printf("  Runtime:  UNAVAILABLE (%s)\n", err)
	} else {
		fmt.Println("  Runtime:  OK")
	}

	// Store
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		fmt.Printf("  Store:    ERROR (%s)\n", err)
	} else {
		if err := st.Migrate(); err != nil {
			fmt.Printf("  Store:    SCHEMA ERROR (%s)\n", err)
		} else {
			fmt.Printf("  Store:    OK (%s)\n", cfg.StoreDir)
		}
		st.Close()
	}

	// Channel credentials
	fmt.Println()
	fmt.Println("  Channels:")
	envPath := cfg.EnvFilePath()
	if _, err := os.Stat(envPath); err != nil {
		fmt.Printf("    env file %s: NOT FOUND\n", envPath)
	}
	checkCreds(envPath, "WhatsApp", "WHATSAPP_BRIDGE_URL")
	checkCreds(envPath, "Slack", "SLACK_APP_TOKEN")
	checkCreds(envPath, "Mail", "MAIL_API_URL", "MAIL_API_TOKEN")

	// Mount allowlist
	fmt.Println()
	path, err := config.AllowlistPath()
	if err != nil {
		fmt.Printf("  Allowlist: ERROR (%s)\n", err)
		return nil
	}
	if v, err := sandbox.Load(path); err != nil {
		fmt.Printf("  Allowlist: ERROR (%s)\n", err)
	} else {
		fmt.Printf("  Allowlist: OK (%s)\n", path)
		v.Close()
	}
	return nil
}

func checkCreds(envPath, name string, keys ...string) {
	creds, err := config.ReadEnvFile(envPath, keys...)
	if err != nil {
		fmt.Printf("    %-10s ERROR (%s)\n", name+":", err)
		return
	}
	for _, k := range keys {
		if creds[k] == "" {
			fmt.Printf("    %-10s not configured (missing %s)\n", name+":", k)
			return
		}
	}
	fmt.Printf("    %-10s configured\n", name+":")
}
