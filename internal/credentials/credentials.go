// Package credentials resolves the API keys a session runs with. Keys are
// either supplied by the caller or unlocked from a shared default set by a
// password that matches a configured bcrypt hash. The result is an explicit
// value handed to constructors; nothing downstream reads secrets itself.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

// KeyringService groups jobtrack secrets in the OS keychain.
const KeyringService = "jobtrack"

// Keyring account names for the shared default set.
const (
	AccountLLMKey      = "shared:llm_api_key"
	AccountNotionToken = "shared:notion_token"
	AccountNotionDB    = "shared:notion_database_id"
)

var (
	// ErrInvalidPassword is returned when the shared-set password does not match.
	ErrInvalidPassword = errors.New("credentials: invalid password")
	// ErrSharedDisabled is returned when no password hash is configured.
	ErrSharedDisabled = errors.New("credentials: shared credentials are not configured")
	// ErrMissingLLMKey is returned when no language-model key could be resolved.
	ErrMissingLLMKey = errors.New("credentials: llm api key is required")
)

// Source records where a Credentials value came from.
type Source string

// Credential sources.
const (
	SourceCaller Source = "caller"
	SourceShared Source = "shared"
)

// Credentials is the resolved key set for one session.
type Credentials struct {
	LLMAPIKey        string
	NotionToken      string
	NotionDatabaseID string
	Source           Source
}

// Config describes the shared default set and how it is unlocked.
type Config struct {
	// PasswordHash is a bcrypt hash; empty disables the shared set.
	PasswordHash string `mapstructure:"password_hash"`
	// Shared holds defaults from config or the environment. Empty fields fall
	// back to the OS keyring when UseKeyring is set.
	Shared     Credentials `mapstructure:"-"`
	UseKeyring bool        `mapstructure:"use_keyring"`
}

// Request carries what the caller supplied for this session.
type Request struct {
	LLMAPIKey        string
	NotionToken      string
	NotionDatabaseID string
	// Password unlocks the shared set when the caller has no LLM key of their own.
	Password string
}

// Resolve returns the caller's keys when they supplied an LLM key, otherwise
// the shared set after checking Password against the configured hash.
func Resolve(cfg Config, req Request) (Credentials, error) {
	if strings.TrimSpace(req.LLMAPIKey) != "" {
		return Credentials{
			LLMAPIKey:        strings.TrimSpace(req.LLMAPIKey),
			NotionToken:      strings.TrimSpace(req.NotionToken),
			NotionDatabaseID: strings.TrimSpace(req.NotionDatabaseID),
			Source:           SourceCaller,
		}, nil
	}
	if req.Password == "" {
		return Credentials{}, ErrMissingLLMKey
	}
	if cfg.PasswordHash == "" {
		return Credentials{}, ErrSharedDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(req.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Credentials{}, ErrInvalidPassword
		}
		return Credentials{}, fmt.Errorf("credentials: check password: %w", err)
	}

	shared := cfg.Shared
	if cfg.UseKeyring {
		var err error
		if shared, err = fillFromKeyring(shared); err != nil {
			return Credentials{}, err
		}
	}
	if shared.LLMAPIKey == "" {
		return Credentials{}, ErrMissingLLMKey
	}
	shared.Source = SourceShared
	return shared, nil
}

// HashPassword produces a bcrypt hash suitable for Config.PasswordHash.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("credentials: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("credentials: hash password: %w", err)
	}
	return string(hash), nil
}

// StoreShared writes the non-empty fields of c to the OS keyring.
func StoreShared(c Credentials) error {
	entries := map[string]string{
		AccountLLMKey:      c.LLMAPIKey,
		AccountNotionToken: c.NotionToken,
		AccountNotionDB:    c.NotionDatabaseID,
	}
	for account, value := range entries {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if err := keyring.Set(KeyringService, account, value); err != nil {
			return fmt.Errorf("credentials: keyring set %s: %w", account, err)
		}
	}
	return nil
}

// DeleteShared removes the shared set from the OS keyring. Missing entries are ignored.
func DeleteShared() error {
	for _, account := range []string{AccountLLMKey, AccountNotionToken, AccountNotionDB} {
		if err := keyring.Delete(KeyringService, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("credentials: keyring delete %s: %w", account, err)
		}
	}
	return nil
}

func fillFromKeyring(c Credentials) (Credentials, error) {
	fields := []struct {
		account string
		dst     *string
	}{
		{AccountLLMKey, &c.LLMAPIKey},
		{AccountNotionToken, &c.NotionToken},
		{AccountNotionDB, &c.NotionDatabaseID},
	}
	for _, f := range fields {
		if strings.TrimSpace(*f.dst) != "" {
			continue
		}
		value, err := keyring.Get(KeyringService, f.account)
		if errors.Is(err, keyring.ErrNotFound) {
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("credentials: keyring get %s: %w", f.account, err)
		}
		*f.dst = strings.TrimSpace(value)
	}
	return c, nil
}
