// Package llmchat holds process-wide defaults shared by the llmchat packages.
package llmchat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName    = "llmchat"
	DefaultEnvPrefix  = "LLMCHAT"
	DefaultListenAddr = "127.0.0.1:3000"
	DefaultModelPath  = "models/chat.gguf"
)

// DefaultConfigPath is the per-user configuration directory.
var DefaultConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", DefaultAppName)
	}
	return filepath.Join(home, ".config", DefaultAppName)
}
