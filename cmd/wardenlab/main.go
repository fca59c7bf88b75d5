package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/putao520/warden-lab/internal/config"
	"github.com/putao520/warden-lab/internal/mockagent"
)

var (
	cfg        config.Config
	configPath string // actual config file used (if any)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagOutRoot        string // value of --out flag
	flagNoMockAgent    bool   // value of --no-mock-agent flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+config.DefaultConfigPath+" in the current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().StringVar(&flagOutRoot, "out", "", "results directory root (overrides config)")
	runCmd.Flags().BoolVar(&flagNoMockAgent, "no-mock-agent", false, "do not install the claude stand-in before starting the subject")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initWardenlab

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mockAgentCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("wardenlab failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "wardenlab",
	Short:        "Lifecycle test bench for the agentic-warden MCP task server",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the subject, drives the full task lifecycle and writes a report",
	RunE:  doRun,
}

var mockAgentCmd = &cobra.Command{
	Use:    "_mock-agent <dir>",
	Short:  "internal command: install the claude stand-in into a directory",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := mockagent.Install(args[0])
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of wardenlab",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("wardenlab: version info not available")
			return
		}
		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("wardenlab: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			}
		}
	},
}

func initWardenlab(cmd *cobra.Command, _ []string) error {
	configPath = flagConfigFilePath
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagOutRoot != "" {
		cfg.Results.Root = flagOutRoot
	}
	if flagNoMockAgent {
		cfg.MockAgent = false
	}

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	slog.Debug("wardenlab configured", "configPath", configPath, "subject", cfg.Subject.Command)
	return nil
}
