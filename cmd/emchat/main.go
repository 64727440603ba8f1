package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"agentchat/internal/app"
	"agentchat/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const (
	version = "0.3.0"
)

var (
	flagServer  string
	flagSession string
	flagCheck   bool
)

func loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig(app.DefaultConfigPath())
	if err != nil {
		return cfg, err
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:     "emchat",
		Short:   "emchat - terminal client for a streaming agent server",
		Long:    "emchat is a terminal chat client for an agent server.\n\nRun without arguments to open the TUI. Multiple conversations stream\nconcurrently; switching sessions never interrupts a running turn.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closeLog := app.OpenLogFile(cfg.LogFile)
			defer closeLog()
			logger.Info("starting", map[string]interface{}{
				"version": version, "server": cfg.ServerURL,
			})

			cache := app.NewMessageCache()
			streams := app.NewStreamManager(cfg, logger, cache)
			dir := app.NewDirectory(cfg, logger)

			model := tui.NewMainModel(cfg, logger, streams, dir, flagSession)
			p := tea.NewProgram(model, tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagServer, "server", "", "agent server URL (overrides config and EMCHAT_SERVER)")
	root.Flags().StringVar(&flagSession, "session", "", "open a specific session on startup")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions on the server",
		Long:  "List the sessions known to the agent server, newest first.\n\nExamples:\n  - emchat sessions\n  - emchat sessions --check\n  - emchat --server http://host:8000 sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(os.Stderr)
			dir := app.NewDirectory(cfg, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if flagCheck {
				info, err := dir.Health(ctx)
				if err != nil {
					return fmt.Errorf("server unreachable at %s: %w", cfg.ServerURL, err)
				}
				fmt.Printf("server: %s\nstatus: %s\n", cfg.ServerURL, info.Status)
				if info.Tracing != "" {
					fmt.Printf("tracing: %s\n", info.Tracing)
				}
				if info.Provider != nil {
					fmt.Printf("provider: %v\n", info.Provider)
				}
				return nil
			}

			infos, err := dir.List(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-36s  %-40s  %s\n", info.ID, info.DisplayTitle(), info.ModifiedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	sessionsCmd.Flags().BoolVar(&flagCheck, "check", false, "ping the server health endpoint instead of listing")
	root.AddCommand(sessionsCmd)

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish]",
		Short: "Generate shell completion",
		Long:  "Generate a shell completion script for emchat.\n\nExamples:\n  - emchat completion bash >> ~/.bashrc\n  - emchat completion zsh > ~/.zsh/completion/_emchat\n  - emchat completion fish > ~/.config/fish/completions/emchat.fish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(os.Stdout)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	root.AddCommand(completionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
