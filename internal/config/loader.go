package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads one source's SourceConfig from file, then layers in the
// BROWSER_URL/BROWSER_SELECTION/SOCKS_PROXY environment variables for any
// field the file left unset — config always overrides environment (spec
// §6).
func Load(configPath string) (*SourceConfig, error) {
	cfg := DefaultSourceConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("source")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".corpus"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyBrowserEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid source config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads a SourceConfig from a specific file path.
func LoadFromFile(path string) (*SourceConfig, error) {
	return Load(path)
}

// applyBrowserEnv fills BROWSER_URL/BROWSER_SELECTION/SOCKS_PROXY into
// cfg.Browser wherever the config file left the field at its zero value.
// Config values always win over environment.
func applyBrowserEnv(cfg *SourceConfig) {
	if len(cfg.Browser.URLs) == 0 && cfg.Browser.RemoteURL == "" {
		if raw := os.Getenv("BROWSER_URL"); raw != "" {
			var urls []string
			for _, u := range strings.Split(raw, ",") {
				u = strings.TrimSpace(u)
				if u != "" {
					urls = append(urls, u)
				}
			}
			if len(urls) == 1 {
				cfg.Browser.RemoteURL = urls[0]
			} else if len(urls) > 1 {
				cfg.Browser.URLs = urls
			}
			if len(urls) > 0 {
				cfg.Browser.Enabled = true
			}
		}
	}
	if cfg.Browser.Selection == "" {
		if s := os.Getenv("BROWSER_SELECTION"); s != "" {
			cfg.Browser.Selection = s
		}
	}
	if cfg.Browser.Proxy == "" {
		if p := os.Getenv("SOCKS_PROXY"); p != "" {
			cfg.Browser.Proxy = p
		}
	}
}

// Hash returns a stable content hash of cfg, used by the Crawl Store's
// check_config_changed/store_config_hash bookkeeping (spec §4.E). A
// config change never invalidates previously discovered URLs.
func Hash(cfg *SourceConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("hash source config: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
