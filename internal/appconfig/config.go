package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/shellwarden/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Shell         ShellConfig   `mapstructure:"shell" yaml:"shell"`
	Pairing       PairingConfig `mapstructure:"pairing" yaml:"pairing"`
	State         StateConfig   `mapstructure:"state" yaml:"state"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Health        HealthConfig  `mapstructure:"health" yaml:"health"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ShellConfig describes the supervised shell and its output buffer.
type ShellConfig struct {
	Binary            string   `mapstructure:"binary" yaml:"binary"`
	InitArgs          []string `mapstructure:"init_args" yaml:"init_args"`
	Args              []string `mapstructure:"args" yaml:"args"`
	Env               []string `mapstructure:"env" yaml:"env"`
	Dir               string   `mapstructure:"dir" yaml:"dir"`
	Device            string   `mapstructure:"device" yaml:"device"`
	OutputFile        string   `mapstructure:"output_file" yaml:"output_file"`
	OutputBufferBytes int      `mapstructure:"output_buffer_bytes" yaml:"output_buffer_bytes"`
	PollDelayMS       int      `mapstructure:"poll_delay_ms" yaml:"poll_delay_ms"`
	RestartDelayMS    int      `mapstructure:"restart_delay_ms" yaml:"restart_delay_ms"`
	StopGraceMS       int      `mapstructure:"stop_grace_ms" yaml:"stop_grace_ms"`
}

// PairingConfig controls the pairing flow.
type PairingConfig struct {
	Mode string   `mapstructure:"mode" yaml:"mode"`
	Args []string `mapstructure:"args" yaml:"args"`
}

// StateConfig selects the persistent flag store.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HTTPConfig configures the HTTP server. An empty address disables it.
type HTTPConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token"`
}

// SSHConfig configures the SSH viewer. An empty address disables it.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// HealthConfig configures the gRPC health socket. An empty path disables it.
type HealthConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".shellwarden")
	stateDir := filepath.Join(base, "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Shell: ShellConfig{
			Binary:            "adb",
			InitArgs:          []string{"start-server"},
			Args:              []string{"shell"},
			Env:               []string{},
			Dir:               "",
			Device:            "",
			OutputFile:        filepath.Join(stateDir, "shell.out"),
			OutputBufferBytes: schema.DefaultOutputBufferBytes,
			PollDelayMS:       int(schema.DefaultPollDelay / time.Millisecond),
			RestartDelayMS:    0,
			StopGraceMS:       int(schema.DefaultStopGrace / time.Millisecond),
		},
		Pairing: PairingConfig{
			Mode: "auto",
			Args: []string{"pair"},
		},
		State: StateConfig{
			Backend: "json",
			Path:    filepath.Join(stateDir, "flags.json"),
		},
		HTTP: HTTPConfig{
			Addr:  "127.0.0.1:27580",
			Token: "",
		},
		SSH: SSHConfig{
			Addr:               "",
			HostKeyPath:        filepath.Join(base, "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(base, "authorized_keys"),
		},
		Health: HealthConfig{
			SocketPath: filepath.Join(stateDir, "health.sock"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shellwarden", "config.yaml"), nil
}

// SessionConfig converts the shell section into core session settings.
func (c Config) SessionConfig() schema.SessionConfig {
	return schema.SessionConfig{
		OutputFile:        c.Shell.OutputFile,
		OutputBufferBytes: c.Shell.OutputBufferBytes,
		PollDelay:         time.Duration(c.Shell.PollDelayMS) * time.Millisecond,
		RestartDelay:      time.Duration(c.Shell.RestartDelayMS) * time.Millisecond,
		StopGrace:         time.Duration(c.Shell.StopGraceMS) * time.Millisecond,
	}
}
