package veracode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

const (
	envProfile   = "VERACODE_API_PROFILE"
	envKeyID     = "VERACODE_API_KEY_ID"
	envKeySecret = "VERACODE_API_KEY_SECRET"

	defaultProfile = "default"
)

// Credentials is an API key pair. Secret is hex encoded.
type Credentials struct {
	KeyID  string
	Secret string
}

func (c Credentials) validate() error {
	if c.KeyID == "" || c.Secret == "" {
		return &AuthError{Err: errors.New("api key id and secret are required")}
	}
	if _, err := hex.DecodeString(c.Secret); err != nil {
		return &AuthError{Err: fmt.Errorf("api key secret is not hex: %w", err)}
	}
	return nil
}

// DefaultCredentialsPath returns ~/.veracode/credentials.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("resolve home directory: %w", err)}
	}
	return filepath.Join(home, ".veracode", "credentials"), nil
}

// LoadCredentials reads the named profile from an INI credentials file. Key
// names are matched case-insensitively.
func LoadCredentials(path, profile string) (Credentials, error) {
	if profile == "" {
		profile = defaultProfile
	}
	if _, err := os.Stat(path); err != nil {
		return Credentials{}, &AuthError{Err: fmt.Errorf("credentials file %s: %w", path, err)}
	}
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return Credentials{}, &AuthError{Err: fmt.Errorf("parse credentials file %s: %w", path, err)}
	}
	section, err := file.GetSection(strings.ToLower(profile))
	if err != nil {
		return Credentials{}, &AuthError{Err: fmt.Errorf("profile %q not found in %s", profile, path)}
	}
	creds := Credentials{
		KeyID:  strings.TrimSpace(section.Key("veracode_api_key_id").String()),
		Secret: strings.TrimSpace(section.Key("veracode_api_key_secret").String()),
	}
	if err := creds.validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// ResolveCredentials prefers VERACODE_API_KEY_ID/VERACODE_API_KEY_SECRET from
// the environment and otherwise reads the profile named by
// VERACODE_API_PROFILE from path. An empty path means the default location.
func ResolveCredentials(path string) (Credentials, error) {
	id := strings.TrimSpace(os.Getenv(envKeyID))
	secret := strings.TrimSpace(os.Getenv(envKeySecret))
	if id != "" || secret != "" {
		creds := Credentials{KeyID: id, Secret: secret}
		if err := creds.validate(); err != nil {
			return Credentials{}, err
		}
		return creds, nil
	}

	if path == "" {
		var err error
		if path, err = DefaultCredentialsPath(); err != nil {
			return Credentials{}, err
		}
	}
	return LoadCredentials(path, os.Getenv(envProfile))
}
