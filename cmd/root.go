// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/observability"
)

// app carries state shared between the root command and its subcommands.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// flagKeys maps command line flags onto configuration keys. Only flags the
// executing command defines are bound.
var flagKeys = map[string]string{
	"headless":     "browser.headless",
	"exec-path":    "browser.exec_path",
	"journal":      "journal.enabled",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.listen_addr",
	"log-level":    "logger.level",
}

// NewRootCommand builds a fresh command tree. Each call returns an
// independent tree, so tests never share flag state.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sequencer",
		Short: "Sequencer runs scripted browser sessions.",
		// Version is set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $HOME/.sequencer/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	root.AddCommand(newRunCmd(a))
	return root
}

// Execute runs the command tree with ctx and logs a failure before
// returning it.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	defer observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// initialize loads configuration and the global logger before any
// subcommand runs.
func (a *app) initialize(cmd *cobra.Command) error {
	a.v = viper.New()
	config.SetDefaults(a.v)

	if err := initializeConfig(cmd, a.v, a.cfgFile); err != nil {
		basicLogger, _ := zap.NewDevelopment()
		defer basicLogger.Sync()
		basicLogger.Error("Failed to initialize configuration", zap.Error(err))
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sequencer"})
		return fmt.Errorf("failed to load or validate config: %w", err)
	}
	a.cfg = cfg

	observability.Initialize(cfg.Logger(), zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
	observability.GetLogger().Debug("Starting sequencer", zap.String("version", Version))
	return nil
}

// initializeConfig reads the config file, environment variables and bound
// flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".sequencer"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SEQUENCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment still apply.
	}

	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}
