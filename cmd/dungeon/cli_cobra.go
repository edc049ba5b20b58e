package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/play"
	"github.com/dotsetgreg/dungeon/pkg/providers"
	"github.com/dotsetgreg/dungeon/pkg/scene"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Turn-based LLM Dungeon Master and scene characters in the terminal",
		Long: strings.TrimSpace(`dungeon runs conversations with an LLM-backed Dungeon Master or with the
characters of a scene. Older turns are folded into a rolling summary, scene
characters pick the background knowledge they need before answering, and
hidden characters are revealed as the conversation uncovers them.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the JSON config file")

	cfgPath := func() string { return configPath }
	root.AddCommand(newAdventureCommand(cfgPath))
	root.AddCommand(newSceneCommand(cfgPath))
	root.AddCommand(newConfigCommand(cfgPath))
	root.AddCommand(newSessionsCommand(cfgPath))
	root.AddCommand(newStatusCommand(cfgPath))
	root.AddCommand(newVersionCommand())

	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newAdventureCommand(configPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "adventure",
		Short:   "Play an interactive Dungeon Master adventure",
		Long:    "Start a new adventure. Type exit() to end it; the tokens used are printed on exit.",
		Example: "  dungeon adventure\n  dungeon adventure --debug",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupRuntime(configPath(), debug)
			if err != nil {
				return err
			}
			defer env.Close()

			sess, err := convo.New(env.caller, env.store, convo.AdventureOptions(env.cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			in, closeIn := newLineReader(out)
			defer closeIn()

			ctx, cancel := signalContext()
			defer cancel()
			return play.NewAdventure(sess, in, out).Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newSceneCommand(configPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "scene <file.yaml>",
		Short: "Talk to the characters of a scene",
		Long: strings.TrimSpace(`Load a scene file and pick characters to talk to from a menu. Type back to
return to the menu; a discovery round then checks whether the conversation
revealed any hidden character.`),
		Example: "  dungeon scene pkg/scene/testdata/power_plant.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scene.LoadFile(args[0])
			if err != nil {
				return err
			}
			env, err := setupRuntime(configPath(), debug)
			if err != nil {
				return err
			}
			defer env.Close()

			engine, err := scene.NewEngine(env.caller, env.store, env.cfg, sc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			in, closeIn := newLineReader(out)
			defer closeIn()

			ctx, cancel := signalContext()
			defer cancel()
			return play.NewSceneRunner(engine, in, out).Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newConfigCommand(configPath func() string) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default config file",
		Example: "  dungeon config init\n  dungeon config init --force",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config written to %s\n", path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Set provider.key (or OPENAI_KEY) and provider.url (or OPENAI_URL)")
			fmt.Fprintln(out, "  2. Check readiness: dungeon status")
			fmt.Fprintln(out, "  3. Play: dungeon adventure")
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath())
			if err != nil {
				return err
			}
			masked := *cfg
			if masked.Provider.APIKey != "" {
				masked.Provider.APIKey = "********"
			}
			data, err := json.MarshalIndent(masked, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	configRoot.AddCommand(initCmd, showCmd)
	return configRoot
}

func newSessionsCommand(configPath func() string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "sessions",
		Short:   "List stored sessions, newest first",
		Long:    "List sessions kept by the configured store. Only the sqlite store outlives the process.",
		Example: "  dungeon sessions --limit 10",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			st, closer, err := store.Open(cfg.Store.Driver, cfg.StorePath())
			if err != nil {
				return err
			}
			defer closer.Close()

			catalog, ok := st.(store.Catalog)
			if !ok {
				return fmt.Errorf("store %q cannot list sessions", cfg.Store.Driver)
			}
			infos, err := catalog.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLABEL\tMESSAGES\tSUMMARY\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n",
					info.ID, info.Label, info.MessageCount, info.HasSummary,
					info.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to list (0 for all)")
	return cmd
}

func newStatusCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and provider readiness",
		Example: "  dungeon status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := configPath()
			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n", formatVersion())

			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:", path, "✓")
			} else {
				fmt.Fprintln(out, "Config:", path, "(defaults)")
			}

			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "Settings: invalid (%v)\n", err)
			} else {
				fmt.Fprintf(out, "Settings: history_length=%d summary_interval=%d choices=%d\n",
					cfg.Convo.HistoryLength, cfg.Convo.SummaryInterval, cfg.Convo.Choices)
			}

			name, configured, mode, err := providers.ProviderCredentialStatus(cfg)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Provider: %s (error: %v)\n", name, err)
			case configured:
				fmt.Fprintf(out, "Provider: %s ✓ (%s)\n", name, mode)
			default:
				fmt.Fprintf(out, "Provider: %s (not configured)\n", name)
			}
			fmt.Fprintf(out, "Store: %s %s\n", cfg.Store.Driver, cfg.StorePath())
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dungeon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
