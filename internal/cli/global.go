package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/menta2k/image-captioner/internal/config"
)

type GlobalOptions struct {
	ConfigFile string
	Backend    string
	Model      string
	URL        string
	LogLevel   string

	cfg *config.Config
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ConfigFile: config.GetConfigPath(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to the YAML config file")
	fs.StringVarP(&o.Backend, "backend", "b", o.Backend, "Vision backend: ollama, llamacpp or gemini")
	fs.StringVarP(&o.Model, "model", "m", o.Model, "Model name")
	fs.StringVarP(&o.URL, "url", "u", o.URL, "Backend server URL")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
}

// Complete loads the config file and environment, then applies flags the
// user set explicitly.
func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = o.Backend
	}
	if flags.Changed("model") {
		cfg.Model = o.Model
	}
	if flags.Changed("url") {
		cfg.URL = o.URL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}

	o.cfg = cfg
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	return o.cfg.Validate()
}

// Config returns the resolved configuration
func (o *GlobalOptions) Config() *config.Config {
	return o.cfg
}
