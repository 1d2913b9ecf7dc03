package config

// Config is the root of the YAML config file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
}

// ChatConfig configures the Google Chat client.
//
// PrivateKeyFile points at the service account's PEM key; the key itself is
// never inlined in the config file.
type ChatConfig struct {
	CredentialsEmail string `yaml:"credentials_email"`
	PrivateKeyFile   string `yaml:"private_key_file"`
	TokenURL         string `yaml:"token_url,omitempty"` // default: Google's OAuth token endpoint
	BaseURL          string `yaml:"base_url,omitempty"`  // default: https://chat.googleapis.com
	Timeout          string `yaml:"timeout,omitempty"`   // HTTP timeout, default "8s"
	SendRatePerSec   int    `yaml:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string         `yaml:"level,omitempty"`
	Console bool           `yaml:"console"`
	File    FileLogConfig  `yaml:"file,omitempty"`
	Alert   AlertLogConfig `yaml:"alert,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// AlertLogConfig forwards WARN+ log records into an operations space so a dead
// notification shows up where the operators already look.
type AlertLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Space      string `yaml:"space,omitempty"`     // e.g. "spaces/AAAA..."
	ThreadID   string `yaml:"thread_id,omitempty"` // optional thread within the space
	MinLevel   string `yaml:"min_level,omitempty"` // default "warn"
	RatePerSec int    `yaml:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Driver values: "sqlite" (file database) or "memory" (volatile, tests/dev).
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite only
}
