package options

import (
	"github.com/spf13/pflag"

	"github.com/zlseong/vmg/internal/config"
	"github.com/zlseong/vmg/pkg/log"
)

// Options are the command-line options of the gateway daemon. Everything
// else lives in the configuration file.
type Options struct {
	// ConfigFile is the path to the JSON configuration document.
	ConfigFile string

	Log *log.Options
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		ConfigFile: "/etc/vmg/config.json",
		Log:        log.NewOptions(),
	}
}

// AddFlags binds the options to the flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to the gateway configuration file.")
	o.Log.AddFlags(fs)
}

// LoadConfig reads the configuration file and merges the log options: a
// log level or format from the file replaces the flag value only while that
// flag still holds its default ("info" / "console").
func (o *Options) LoadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(o.ConfigFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Log.Level != "" && o.Log.Level == "info" {
		o.Log.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" && o.Log.Format == "console" {
		o.Log.Format = cfg.Log.Format
	}
	return cfg, loader, nil
}
