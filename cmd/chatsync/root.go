package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
)

var (
	profileFlag string
	chatFlag    int64
)

var rootCmd = &cobra.Command{
	Use:   "chatsync --chat <id>",
	Short: "Real-time chat client that works offline",
	Long: `chatsync opens one chat, renders it from the local snapshot right away,
keeps it in sync over a websocket and queues what you send while offline.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

// Execute runs the root command. Called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.Flags().Int64Var(&chatFlag, "chat", 0, "id of the chat to open")

	rootCmd.AddCommand(chatsCmd)
}

// loadProfile resolves and validates the profile and loads the config.
func loadProfile() (string, *config.Config, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", nil, err
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return "", nil, fmt.Errorf("load %s: %w", profile.ConfigPath(), err)
	}
	return name, cfg, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	if chatFlag <= 0 {
		return errors.New("--chat <id> is required")
	}
	name, cfg, err := loadProfile()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", profile.ConfigPath(), err)
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{
			ProfileName: name,
			Config:      cfg,
			ChatID:      chatFlag,
			In:          cmd.InOrStdin(),
			Out:         cmd.OutOrStdout(),
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
