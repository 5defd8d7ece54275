package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ViperConfig defines command-level viper bootstrap settings.
type ViperConfig struct {
	// EnvPrefix maps key "block-size" to PREFIX_BLOCK_SIZE.
	EnvPrefix string
	// ConfigEnvVar names a variable holding the config file path.
	ConfigEnvVar string
	// ConfigName is searched for in the working directory and
	// ConfigSearchPath when no explicit path is given.
	ConfigName       string
	ConfigType       string
	ConfigSearchPath []string
}

// InitViperFromCommand resets viper and loads the config file for cmd. The
// path comes from the "config" flag, declared on cmd or as a persistent flag
// of its root, then from ConfigEnvVar. A missing named config is not an error;
// a missing explicit path is.
func InitViperFromCommand(cmd *cobra.Command, cfg ViperConfig) error {
	path, err := configPath(cmd, cfg)
	if err != nil {
		return err
	}

	viper.Reset()
	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	switch {
	case path != "":
		viper.SetConfigFile(path)
	case cfg.ConfigName != "":
		viper.SetConfigName(cfg.ConfigName)
		viper.SetConfigType(configType(cfg.ConfigType))
		viper.AddConfigPath(".")
		for _, dir := range cfg.ConfigSearchPath {
			if dir = strings.TrimSpace(dir); dir != "" {
				viper.AddConfigPath(dir)
			}
		}
	default:
		return nil
	}

	if err := viper.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &missing) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func configPath(cmd *cobra.Command, cfg ViperConfig) (string, error) {
	flags := cmd.Flags()
	if root := cmd.Root(); root != nil && root.PersistentFlags().Lookup("config") != nil {
		flags = root.PersistentFlags()
	}
	if flags.Lookup("config") != nil {
		path, err := flags.GetString("config")
		if err != nil {
			return "", fmt.Errorf("read config flag: %w", err)
		}
		if path != "" {
			return path, nil
		}
	}
	if cfg.ConfigEnvVar != "" {
		return os.Getenv(cfg.ConfigEnvVar), nil
	}
	return "", nil
}

func configType(value string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return "yaml"
}

// ResolveStringFlag returns the flag value unless the flag was left unset and
// viper carries the key.
func ResolveStringFlag(cmd *cobra.Command, key string) string {
	value, err := cmd.Flags().GetString(key)
	if err != nil {
		return ""
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		return viper.GetString(key)
	}
	return value
}

func ResolveIntFlag(cmd *cobra.Command, key string) int {
	value, err := cmd.Flags().GetInt(key)
	if err != nil {
		return 0
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		return viper.GetInt(key)
	}
	return value
}

func ResolveBoolFlagValue(cmd *cobra.Command, key string) (*bool, error) {
	value, err := cmd.Flags().GetBool(key)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		value = viper.GetBool(key)
	}
	return &value, nil
}

func ResolveDurationFlag(cmd *cobra.Command, key string) time.Duration {
	value, err := cmd.Flags().GetDuration(key)
	if err != nil {
		return 0
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		return viper.GetDuration(key)
	}
	return value
}

func ResolveStringSliceFlag(cmd *cobra.Command, key string) []string {
	value, err := cmd.Flags().GetStringSlice(key)
	if err != nil {
		return nil
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		return viper.GetStringSlice(key)
	}
	return value
}

// Changed reports whether the flag was set on the command line or in the
// config file.
func Changed(cmd *cobra.Command, key string) bool {
	if f := cmd.Flags().Lookup(key); f != nil && f.Changed {
		return true
	}
	return viper.InConfig(key)
}
