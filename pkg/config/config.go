package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Convo     ConvoConfig     `json:"convo"`
	Adventure AdventureConfig `json:"adventure"`
	Store     StoreConfig     `json:"store"`
	Logger    LoggerConfig    `json:"logger"`
}

// ProviderConfig selects and authenticates the chat-completion endpoint.
// APIType is one of openai, azure or openrouter. TokenFile is an alternative
// to APIKey for bearer-auth providers.
type ProviderConfig struct {
	APIType    string `json:"api_type" env:"OPENAI_API_TYPE"`
	APIVersion string `json:"version" env:"OPENAI_VERSION"`
	APIKey     string `json:"key" env:"OPENAI_KEY"`
	APIBase    string `json:"url" env:"OPENAI_URL"`
	Model      string `json:"model" env:"OPENAI_MODEL"`
	Deployment string `json:"deployment" env:"OPENAI_DEPLOYMENT"`
	TokenFile  string `json:"token_file,omitempty" env:"OPENAI_TOKEN_FILE"`
	Proxy      string `json:"proxy,omitempty" env:"OPENAI_PROXY"`
}

type ConvoConfig struct {
	HistoryLength   int `json:"history_length" env:"CONVO_HISTORY_LENGTH"`
	SummaryInterval int `json:"summary_interval" env:"CONVO_SUMMARY_INTERVAL"`
	Choices         int `json:"choices" env:"CONVO_CHOICES"` // n sampled per call
}

// AdventureConfig carries the prompt text and the chosen-choice policy.
type AdventureConfig struct {
	SystemMessage            string `json:"system_message" env:"ADVENTURE_SYSTEM_MESSAGE"`
	StartMessage             string `json:"start_message" env:"ADVENTURE_START_MESSAGE"`
	BaseSummarySystemMessage string `json:"base_summary_system_message" env:"ADVENTURE_BASE_SUMMARY_SYSTEM_MESSAGE"`
	PrevSummarySystemMessage string `json:"prev_summary_system_message" env:"ADVENTURE_PREV_SUMMARY_SYSTEM_MESSAGE"`
	EnvSummarySystemMessage  string `json:"env_summary_system_message" env:"ADVENTURE_ENV_SUMMARY_SYSTEM_MESSAGE"`
	KnowledgeSystemMessage   string `json:"knowledge_system_message" env:"ADVENTURE_KNOWLEDGE_SYSTEM_MESSAGE"`
	DiscoverySystemMessage   string `json:"discovery_system_message" env:"ADVENTURE_DISCOVERY_SYSTEM_MESSAGE"`
	DefaultChoiceIndex       int    `json:"default_choice_index" env:"ADVENTURE_DEFAULT_CHOICE_INDEX"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"STORE_DRIVER"` // memory or sqlite
	Path   string `json:"path" env:"STORE_PATH"`
}

type LoggerConfig struct {
	Level string `json:"level" env:"LOGGER_LEVEL"`
	File  string `json:"file,omitempty" env:"LOGGER_FILE"`
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			APIType:    "azure",
			APIVersion: "2023-08-01-preview",
		},
		Convo: ConvoConfig{
			HistoryLength:   5,
			SummaryInterval: 5,
			Choices:         1,
		},
		Adventure: AdventureConfig{
			SystemMessage: "You are a DnD Dungeon Master. You are creating a new adventure for" +
				" your user. You either respond to the user's action or create a new" +
				" event or action for user if the user is not sure what to do next. " +
				" Give only 2 to 3 sentences, do not list actions for user to choose" +
				" from.",
			StartMessage: "You may start the story however you like.",
			BaseSummarySystemMessage: "You are an assistant to summarize a JSON list of messages between an" +
				" assistant and a user. Make sure to include any factual information" +
				" and name in the conversation messages, don't make up anything not" +
				" mentioned in the conversation messages. Each sentence consists of" +
				" about 10 to 30 words. You should always refer to the assistant in" +
				" second person perspective, as 'you'.",
			PrevSummarySystemMessage: "Describe the previous summary using 1 sentence.",
			EnvSummarySystemMessage:  "Describe the conversation messages using 3 sentences.",
			KnowledgeSystemMessage: "You are an assistant to analyze a JSON list of conversation messages" +
				" between an assistant and a user. You should help the assistant in" +
				" the conversation decide which of his/her own knowledge to use to" +
				" respond to the user's message. You must call the function" +
				" `get_knowledge` and provide the arguments to indicate the knowledge" +
				" to use, each argument is a boolean value and True indicates the" +
				" knowledge should be used, False otherwise. Depends on user's" +
				" message, you may need to use multiple knowledge, you may also use no" +
				" knowledge at all if you think none of the knowledge is related to" +
				" the user's message.",
			DiscoverySystemMessage: "You are an assistant to analyze a JSON list of conversation messages" +
				" between an assistant and a user. You must call the function" +
				" `get_discovered` and decide for each person whether the user has" +
				" met the requirement to discover them. Each argument is a boolean" +
				" value, True only if the conversation clearly meets the requirement.",
			DefaultChoiceIndex: 0,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Path:   "~/.dungeon/state/dungeon.db",
		},
		Logger: LoggerConfig{
			Level: "INFO",
		},
	}
}

// LoadConfig reads path (missing file means defaults), then any .env file in
// the working directory, then the process environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv copies variables from file into the environment without
// overriding ones already set.
func loadDotEnv(file string) error {
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the invariants the orchestration core relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Convo.HistoryLength < 0 {
		errs = append(errs, fmt.Errorf("convo.history_length must be >= 0, got %d", c.Convo.HistoryLength))
	}
	if c.Convo.SummaryInterval <= 0 {
		errs = append(errs, fmt.Errorf("convo.summary_interval must be > 0, got %d", c.Convo.SummaryInterval))
	}
	if c.Convo.Choices <= 0 {
		errs = append(errs, fmt.Errorf("convo.choices must be > 0, got %d", c.Convo.Choices))
	}
	if idx := c.Adventure.DefaultChoiceIndex; idx < 0 || idx >= c.Convo.Choices {
		errs = append(errs, fmt.Errorf("adventure.default_choice_index must be in [0, %d), got %d", c.Convo.Choices, idx))
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case StoreMemory, StoreSQLite, "":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported (memory, sqlite)", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// SummarySystemMessage is the summarization instruction when a previous
// summary exists.
func (a AdventureConfig) SummarySystemMessage() string {
	return a.BaseSummarySystemMessage + " " + a.PrevSummarySystemMessage + " " + a.EnvSummarySystemMessage
}

// SummarySystemMessageNoPrev is the summarization instruction for the first
// summary of a session.
func (a AdventureConfig) SummarySystemMessageNoPrev() string {
	return a.BaseSummarySystemMessage + " " + a.EnvSummarySystemMessage
}

func (c *Config) StorePath() string {
	return ExpandHome(c.Store.Path)
}

// ExpandHome resolves a leading "~" or "~/" against the current user's home
// directory. Other paths, including "~user/...", are returned trimmed but
// otherwise unchanged.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
