package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "COMPANION"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "companion",
		Short:         "Textbook companion terminal client",
		Long:          "companion chats with the textbook companion server over its streaming channel, falling back to plain HTTP when the channel is unavailable.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "log client diagnostics to stderr")

	rootCmd.AddCommand(
		newChatCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

// bindConfig returns a viper instance reading cmd's flags, then
// COMPANION_* environment variables, then flag defaults.
func bindConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	bind := func(f *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(f.Name, f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	return v, bindErr
}

func newLogger(cmd *cobra.Command, verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
