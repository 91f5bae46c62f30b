package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("shell.binary", cfg.Shell.Binary)
	v.SetDefault("shell.init_args", cfg.Shell.InitArgs)
	v.SetDefault("shell.args", cfg.Shell.Args)
	v.SetDefault("shell.env", cfg.Shell.Env)
	v.SetDefault("shell.dir", cfg.Shell.Dir)
	v.SetDefault("shell.device", cfg.Shell.Device)
	v.SetDefault("shell.output_file", cfg.Shell.OutputFile)
	v.SetDefault("shell.output_buffer_bytes", cfg.Shell.OutputBufferBytes)
	v.SetDefault("shell.poll_delay_ms", cfg.Shell.PollDelayMS)
	v.SetDefault("shell.restart_delay_ms", cfg.Shell.RestartDelayMS)
	v.SetDefault("shell.stop_grace_ms", cfg.Shell.StopGraceMS)
	v.SetDefault("pairing.mode", cfg.Pairing.Mode)
	v.SetDefault("pairing.args", cfg.Pairing.Args)
	v.SetDefault("state.backend", cfg.State.Backend)
	v.SetDefault("state.path", cfg.State.Path)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.token", cfg.HTTP.Token)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("health.socket_path", cfg.Health.SocketPath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Shell.Binary) == "" {
		return fmt.Errorf("shell.binary is required")
	}
	if strings.TrimSpace(cfg.Shell.OutputFile) == "" {
		return fmt.Errorf("shell.output_file is required")
	}
	if cfg.Shell.OutputBufferBytes <= 0 {
		return fmt.Errorf("shell.output_buffer_bytes must be positive")
	}
	if cfg.Shell.PollDelayMS <= 0 {
		return fmt.Errorf("shell.poll_delay_ms must be positive")
	}
	if cfg.Shell.RestartDelayMS < 0 {
		return fmt.Errorf("shell.restart_delay_ms must not be negative")
	}
	if cfg.Shell.StopGraceMS < 0 {
		return fmt.Errorf("shell.stop_grace_ms must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Pairing.Mode)) {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("unsupported pairing.mode %q", cfg.Pairing.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.State.Backend)) {
	case "", "json", "sqlite":
	default:
		return fmt.Errorf("unsupported state.backend %q", cfg.State.Backend)
	}
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("http.addr must be host:port: %w", err)
		}
	}
	if addr := strings.TrimSpace(cfg.SSH.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("ssh.addr must be host:port: %w", err)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Shell.Binary = expandEnv(cfg.Shell.Binary)
	cfg.Shell.Dir = expandEnv(cfg.Shell.Dir)
	cfg.Shell.OutputFile = expandEnv(cfg.Shell.OutputFile)
	cfg.State.Path = expandEnv(cfg.State.Path)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
	cfg.Health.SocketPath = expandEnv(cfg.Health.SocketPath)
	cfg.HTTP.Token = expandEnv(cfg.HTTP.Token)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
