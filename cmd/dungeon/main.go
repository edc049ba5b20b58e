package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/play"
	"github.com/dotsetgreg/dungeon/pkg/providers"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dungeon"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dungeon", "config.json")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	if strings.TrimSpace(cfg.Logger.File) != "" {
		if err := logger.EnableFileLogging(cfg.Logger.File); err != nil {
			return err
		}
	}
	return nil
}

// runtimeEnv is what an interactive command needs: configuration, a caller
// and an open store.
type runtimeEnv struct {
	cfg    *config.Config
	caller providers.Caller
	store  store.Store
	closer io.Closer
}

func (r *runtimeEnv) Close() error {
	return r.closer.Close()
}

func setupRuntime(configPath string, debug bool) (*runtimeEnv, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg, debug); err != nil {
		return nil, err
	}
	caller, err := providers.CreateCaller(cfg)
	if err != nil {
		return nil, err
	}
	st, closer, err := store.Open(cfg.Store.Driver, cfg.StorePath())
	if err != nil {
		return nil, err
	}
	logger.InfoCF("cli", "Runtime ready", map[string]interface{}{
		"provider": providers.ActiveProviderName(cfg),
		"store":    cfg.Store.Driver,
	})
	return &runtimeEnv{cfg: cfg, caller: caller, store: st, closer: closer}, nil
}

type readlineReader struct {
	rl *readline.Instance
}

func (r *readlineReader) ReadLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", io.EOF
	}
	return line, err
}

// newLineReader prefers readline and falls back to plain stdin.
func newLineReader(out io.Writer) (play.LineReader, func()) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dungeon_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		return play.NewScannerReader(os.Stdin, out), func() {}
	}
	return &readlineReader{rl: rl}, func() { _ = rl.Close() }
}
