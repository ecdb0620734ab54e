// Package config provides the configuration schema and loader for the
// sesame-voice client.
package config

// LogLevel controls log verbosity for the client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Gate    GateConfig    `yaml:"gate"`
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServerConfig holds connection settings for the voice service.
type ServerConfig struct {
	// URL is the WebSocket endpoint of the voice service
	// (e.g., "wss://voice.example.com/chat").
	URL string `yaml:"url"`

	// Token is the bearer token sent with the WebSocket handshake.
	// Falls back to the SESAME_TOKEN environment variable when empty.
	Token string `yaml:"token"`

	// Character selects the voice character to converse with.
	Character string `yaml:"character"`
}

// AudioConfig holds capture-side audio settings.
type AudioConfig struct {
	// SampleRate is the microphone capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples delivered per capture block.
	BlockSize int `yaml:"block_size"`

	// EchoCancellation requests hardware/driver echo cancellation.
	// Best effort; not all backends honour it.
	EchoCancellation bool `yaml:"echo_cancellation"`

	// NoiseSuppression requests driver noise suppression. Best effort.
	NoiseSuppression bool `yaml:"noise_suppression"`

	// AutoGain requests automatic gain control. Best effort.
	AutoGain bool `yaml:"auto_gain"`
}

// GateConfig tunes the RMS voice-activity gate.
type GateConfig struct {
	// Threshold is the RMS level, scaled to PCM16 full scale, above which a
	// block counts as voiced. Zero selects the built-in default.
	Threshold float64 `yaml:"threshold"`

	// SilenceRunLimit is the number of consecutive silent blocks after which
	// zero-filled frames are sent instead of real audio. Zero selects the
	// built-in default.
	SilenceRunLimit int `yaml:"silence_run_limit"`
}

// MetricsConfig holds settings for the Prometheus metrics endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address the /metrics endpoint listens on
	// (e.g., ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}
