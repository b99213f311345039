package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets are read from the environment, never from the config file.
type Secrets struct {
	PrivateKey    string
	AltPrivateKey string
	TelegramToken string
	SMTPPassword  string
	StatusToken   string
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

// LoadSecrets resolves every *_env reference in cfg using lookup.
// A nil lookup uses os.LookupEnv.
func LoadSecrets(cfg *Config, lookup func(string) (string, bool)) (Secrets, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string, required bool) (string, error) {
		if name == "" {
			return "", nil
		}
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		if (!ok || v == "") && required {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	}

	var s Secrets
	var err error
	if s.PrivateKey, err = get(cfg.Keeper.PrivateKeyEnv, true); err != nil {
		return Secrets{}, err
	}
	if s.AltPrivateKey, err = get(cfg.Keeper.AltPrivateKeyEnv, cfg.Keeper.PriorityOrganization != ""); err != nil {
		return Secrets{}, err
	}
	if s.TelegramToken, err = get(cfg.Alerts.Telegram.TokenEnv, cfg.Alerts.Telegram.Enabled); err != nil {
		return Secrets{}, err
	}
	if s.SMTPPassword, err = get(cfg.Alerts.Email.PasswordEnv, false); err != nil {
		return Secrets{}, err
	}
	if cfg.Status != nil {
		if s.StatusToken, err = get(cfg.Status.TokenEnv, false); err != nil {
			return Secrets{}, err
		}
	}
	return s, nil
}
