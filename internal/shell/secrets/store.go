// Package secrets stores stage secrets as age-encrypted dotenv files
// inside the project tree, so the ciphertext can be committed alongside
// the code it configures.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	coresecrets "github.com/artpar/shipit/internal/core/secrets"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoIdentity is returned when no decryption key can be found.
	ErrNoIdentity = errors.New("no age identity: run secrets init or set SHIPIT_AGE_KEY")

	// ErrNoRecipients is returned when encryption is attempted with no
	// one able to decrypt the result.
	ErrNoRecipients = errors.New("no age recipients configured")

	// ErrNoSecrets is returned when a stage has no encrypted secrets file.
	ErrNoSecrets = errors.New("no secrets file for stage")
)

// identityEnvVar overrides the on-disk key file, for CI runs.
const identityEnvVar = "SHIPIT_AGE_KEY"

// =============================================================================
// Store
// =============================================================================

// Config configures a secrets store for one project.
type Config struct {
	// ProjectRoot is the directory holding .shipit/secrets/.
	ProjectRoot string

	// AppName names the key file under the user config directory.
	AppName string

	// Recipients are the age public keys encrypted files are addressed
	// to. The local identity's own recipient is always included.
	Recipients []string

	// KeyPath overrides the identity key file location. Empty means
	// <user-config-dir>/shipit/keys/<app>.key.
	KeyPath string
}

// Store reads and writes age-encrypted per-stage dotenv files. It
// satisfies the deploy pipeline's secrets capability.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		cfg.KeyPath = filepath.Join(dir, "shipit", "keys", cfg.AppName+".key")
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// SecretsPath returns the ciphertext path for a stage.
func (s *Store) SecretsPath(stage string) string {
	return filepath.Join(s.cfg.ProjectRoot, ".shipit", "secrets", stage+".age")
}

// =============================================================================
// Identity Management
// =============================================================================

// InitIdentity generates an X25519 identity, writes it to the key file
// and returns its public recipient string. Refuses to overwrite an
// existing key.
func (s *Store) InitIdentity() (string, error) {
	if _, err := os.Stat(s.cfg.KeyPath); err == nil {
		return "", fmt.Errorf("identity already exists at %s", s.cfg.KeyPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.KeyPath), 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(s.cfg.KeyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}

	s.logger.Info("age identity created", "path", s.cfg.KeyPath)
	return identity.Recipient().String(), nil
}

// identity resolves the decryption key: the environment override wins,
// then the key file.
func (s *Store) identity() (*age.X25519Identity, error) {
	if raw := os.Getenv(identityEnvVar); raw != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", identityEnvVar, err)
		}
		return identity, nil
	}

	data, err := os.ReadFile(s.cfg.KeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", s.cfg.KeyPath, err)
	}
	return identity, nil
}

// recipients assembles the encryption targets: every configured
// recipient plus the local identity's own, so the writer can always
// read back what it wrote.
func (s *Store) recipients(identity *age.X25519Identity) ([]age.Recipient, error) {
	recipients := []age.Recipient{identity.Recipient()}
	own := identity.Recipient().String()

	for _, raw := range s.cfg.Recipients {
		if raw == own {
			continue
		}
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", raw, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// =============================================================================
// Read / Write
// =============================================================================

// ReadSecrets decrypts a stage's secrets into a key-value map.
func (s *Store) ReadSecrets(stage string) (map[string]string, error) {
	identity, err := s.identity()
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(s.SecretsPath(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSecrets, stage)
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	plain, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets for stage %s: %w", stage, err)
	}
	content, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets for stage %s: %w", stage, err)
	}

	return coresecrets.ParseDotenv(string(content)), nil
}

// WriteSecrets encrypts and writes a stage's full secrets map,
// replacing the previous ciphertext.
func (s *Store) WriteSecrets(stage string, env map[string]string) error {
	identity, err := s.identity()
	if err != nil {
		return err
	}
	recipients, err := s.recipients(identity)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}
	if _, err := io.WriteString(w, coresecrets.SerializeDotenv(env)); err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	path := s.SecretsPath(stage)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create secrets directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}

	s.logger.Info("secrets written", "stage", stage, "keys", len(env))
	return nil
}

// Set updates one key in a stage's secrets, creating the file on first
// use.
func (s *Store) Set(stage, key, value string) error {
	env, err := s.ReadSecrets(stage)
	if errors.Is(err, ErrNoSecrets) {
		env = map[string]string{}
	} else if err != nil {
		return err
	}
	env[key] = value
	return s.WriteSecrets(stage, env)
}

// Unset removes one key from a stage's secrets.
func (s *Store) Unset(stage, key string) error {
	env, err := s.ReadSecrets(stage)
	if err != nil {
		return err
	}
	delete(env, key)
	return s.WriteSecrets(stage, env)
}

// =============================================================================
// Pipeline Capability
// =============================================================================

// ReadDecryptedEnv is the pipeline-facing read.
func (s *Store) ReadDecryptedEnv(stage string) (map[string]string, error) {
	return s.ReadSecrets(stage)
}

// ContentHash fingerprints a stage's ciphertext. The hash covers the
// encrypted bytes, so it changes on every rewrite without requiring the
// key. Returns false when the stage has no secrets file.
func (s *Store) ContentHash(stage string) (string, bool, error) {
	ciphertext, err := os.ReadFile(s.SecretsPath(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read secrets file: %w", err)
	}
	return coresecrets.HashContent(ciphertext), true, nil
}
