package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "imap-fleet",
	Short: "Run and inspect an IMAP ingestion fleet control plane",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose (info/debug) logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("No config.yaml found in current directory.",
				"hint", "Run `imap-fleet init` to create one interactively.")
		} else {
			slog.Error("Failed to read config", "error", err)
		}
	}
}

func setupLogger() {
	var level slog.Level
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
}
