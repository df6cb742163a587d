package config

// Defaults is the baseline configuration a loaded file is layered over.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telegram: TelegramConfig{
			ListenAddr: ":8080",
			Path:       "/telegram/webhook",
			ParseMode:  "Markdown",
		},
		Model: ModelConfig{
			Vendor:         "openai",
			URL:            "http://localhost:11434/v1/chat/completions",
			Model:          "llama3.1:8b",
			Stream:         true,
			TimeoutSeconds: 120,
		},
		History: HistoryConfig{
			Backend:    "badger",
			Path:       "~/.chatrelay/history",
			MaxEntries: 40,
			MaxBudget:  24000,
		},
	}
}
