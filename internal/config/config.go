// Package config handles CloudVoice configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cloudvoice/config.yaml, /etc/cloudvoice/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cloudvoice", "config.yaml"))
	}

	paths = append(paths, "/etc/cloudvoice/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all CloudVoice configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	ToolHost   ToolHostConfig   `yaml:"tool_host"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Events     EventsConfig     `yaml:"events"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// Origin is the single origin allowed to call the API from a
	// browser. Cross-origin requests from anywhere else are refused.
	Origin string `yaml:"origin"`
}

// ModelsConfig defines completion provider settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
	// TimeoutSec bounds a single completion request (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// ToolHostConfig defines the tool host worker subprocess.
type ToolHostConfig struct {
	Command string   `yaml:"command"` // Executable (default: cloudvoice-toolhost)
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"` // Extra "KEY=VALUE" entries
	// TimeoutSec bounds a single tool invocation (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// KnowledgeConfig defines the knowledge base store.
type KnowledgeConfig struct {
	// Path is the SQLite database file. Empty defaults to
	// <data_dir>/knowledge.db.
	Path string `yaml:"path"`
	// MinScore is the similarity threshold below which a search is
	// treated as a miss (default 0.3).
	MinScore float32 `yaml:"min_score"`
}

// TranscribeConfig defines the speech-to-text provider.
type TranscribeConfig struct {
	APIKey  string `yaml:"api_key"` // OpenAI API key
	Model   string `yaml:"model"`   // Default: whisper-1
	BaseURL string `yaml:"baseurl"` // Override for tests / proxies
}

// EventsConfig defines the optional MQTT telemetry publisher.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g., mqtt://broker.local:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix defaults to "cloudvoice".
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = cfg.Models.OllamaURL
	}
	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = filepath.Join(cfg.DataDir, "knowledge.db")
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:   8000,
			Origin: "http://localhost:5173",
		},
		Models: ModelsConfig{
			Default:    "qwen3:4b",
			OllamaURL:  "http://localhost:11434",
			TimeoutSec: 120,
		},
		Embeddings: EmbeddingsConfig{
			Model: "nomic-embed-text",
		},
		ToolHost: ToolHostConfig{
			Command:    "cloudvoice-toolhost",
			TimeoutSec: 30,
		},
		Knowledge: KnowledgeConfig{
			MinScore: 0.3,
		},
		Transcribe: TranscribeConfig{
			Model: "whisper-1",
		},
		Events: EventsConfig{
			TopicPrefix: "cloudvoice",
		},
		DataDir: ".",
	}
}
