package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/logging"
	"github.com/fmueller/voxqueue/internal/platform"
	"github.com/fmueller/voxqueue/internal/store"
	"github.com/fmueller/voxqueue/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	configPath string
	dataDir    string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	cfg    config.Config
	dirs   platform.Dirs
	logger *zap.Logger
	out    io.Writer

	lookupEnv func(string) (string, bool)
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		out:       os.Stdout,
		lookupEnv: os.LookupEnv,
	}

	cmd := &cobra.Command{
		Use:           "voxqueue",
		Short:         "Queue audio files and run them through a transcription engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app.out = cmd.OutOrStdout()
			return app.load()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)

	cmd.AddCommand(newWorkerCmd(app))
	cmd.AddCommand(newEnqueueCmd(app))
	cmd.AddCommand(newStatusCmd(app))
	cmd.AddCommand(newRetryCmd(app))
	cmd.AddCommand(newRecoverCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", app.configPath, "Config file (default: config.yaml in the user config directory)")
	flags.StringVar(&app.dataDir, "data-dir", app.dataDir, "Directory for the job database, inbox and transcripts")
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

// load resolves directories, reads the config file and builds the logger.
// An explicit --config must exist; the default one is optional.
func (a *appState) load() error {
	dirs, err := platform.ResolveDirs(a.dataDir)
	if err != nil {
		return err
	}

	path, required := a.configPath, true
	if strings.TrimSpace(path) == "" {
		path, required = dirs.DefaultConfigFile(), false
	}

	cfg, err := config.Load(path, required, a.lookupEnv)
	if err != nil {
		return err
	}
	if a.dataDir == "" && cfg.DataDir != "" {
		if dirs, err = platform.ResolveDirs(cfg.DataDir); err != nil {
			return err
		}
	}
	if cfg.Database == "" {
		cfg.Database = dirs.Database
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = dirs.Output
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Verbose: a.verbose,
		JSON:    a.jsonLogs || cfg.Log.JSON,
		Level:   logLevel(a.verbose, cfg.Log.Level),
		File:    cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.dirs = dirs
	a.logger = logger
	return nil
}

// logLevel lets --verbose win over a configured level.
func logLevel(verbose bool, configured string) string {
	if verbose {
		return ""
	}
	return configured
}

func (a *appState) openStore() (*store.SQLite, error) {
	st, err := store.OpenSQLite(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.log().Debug("opened job database", zap.String("path", a.cfg.Database))
	return st, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) printJSON(v any) error {
	enc := json.NewEncoder(a.outWriter())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
