// Package credentials is the encrypted at-rest store for fleet secrets.
// Each credential is one file of AES-256-GCM ciphertext under a 0700
// directory; the key derives from a passphrase via PBKDF2.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/term"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
)

const (
	// pbkdf2Iterations trades startup latency for brute-force cost.
	pbkdf2Iterations = 100_000
	keyLength        = 32

	dirMode  = 0o700
	fileMode = 0o600

	credentialExt = ".cred"
)

// keySalt is fixed app identity; the passphrase carries the secrecy.
var keySalt = []byte("herald-credential-store-v1")

// nameRe restricts credential names to safe file-name characters.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Store encrypts and decrypts named secrets under one directory.
type Store struct {
	dir string
	key []byte
	log *slog.Logger
}

// Open prepares the store directory and derives the encryption key. The
// passphrase comes from the configured environment variable; an empty value
// falls back to an interactive terminal prompt when one is attached.
func Open(cfg config.CredentialsConfig) (*Store, error) {
	cfg.SetDefaults()

	dir := cfg.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, models.WrapError(models.KindInternal, "credentials.open", err)
		}
		dir = filepath.Join(home, ".herald", "credentials")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.open", err)
	}
	// An existing directory keeps whatever mode it was created with;
	// tighten it.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.open", err)
	}

	passphrase, err := resolvePassphrase(cfg.PassphraseEnv)
	if err != nil {
		return nil, err
	}

	return &Store{
		dir: dir,
		key: pbkdf2.Key([]byte(passphrase), keySalt, pbkdf2Iterations, keyLength, sha256.New),
		log: logger.Component("credentials"),
	}, nil
}

func resolvePassphrase(envVar string) (string, error) {
	if value := os.Getenv(envVar); value != "" {
		return value, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", models.Errorf(models.KindInternal, "credentials.open",
			"%s is not set and no terminal is attached for a prompt", envVar)
	}
	os.Stderr.WriteString("Credential store passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	os.Stderr.WriteString("\n")
	if err != nil {
		return "", models.WrapError(models.KindInternal, "credentials.open", err)
	}
	if len(raw) == 0 {
		return "", models.NewError(models.KindInternal, "credentials.open",
			"empty passphrase")
	}
	return string(raw), nil
}

// Set encrypts and writes one credential.
func (s *Store) Set(name, value string) error {
	if !nameRe.MatchString(name) {
		return models.Errorf(models.KindInternal, "credentials.set",
			"invalid credential name %q", name)
	}

	sealed, err := s.seal([]byte(value))
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name+credentialExt)
	if err := os.WriteFile(path, sealed, fileMode); err != nil {
		return models.WrapError(models.KindInternal, "credentials.set", err)
	}
	s.log.Info("Credential stored", "name", name)
	return nil
}

// Get decrypts one credential. A wrong passphrase surfaces as a decryption
// failure, not as NotFound.
func (s *Store) Get(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", models.Errorf(models.KindInternal, "credentials.get",
			"invalid credential name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name+credentialExt))
	if err != nil {
		if os.IsNotExist(err) {
			return "", models.Errorf(models.KindNotFound, "credentials.get",
				"no credential %q", name)
		}
		return "", models.WrapError(models.KindInternal, "credentials.get", err)
	}

	plain, err := s.open(data)
	if err != nil {
		return "", models.Errorf(models.KindInternal, "credentials.get",
			"could not decrypt %q; wrong passphrase or corrupt file", name)
	}
	return string(plain), nil
}

// Delete removes one credential.
func (s *Store) Delete(name string) error {
	if !nameRe.MatchString(name) {
		return models.Errorf(models.KindInternal, "credentials.delete",
			"invalid credential name %q", name)
	}
	err := os.Remove(filepath.Join(s.dir, name+credentialExt))
	if os.IsNotExist(err) {
		return models.Errorf(models.KindNotFound, "credentials.delete",
			"no credential %q", name)
	}
	if err != nil {
		return models.WrapError(models.KindInternal, "credentials.delete", err)
	}
	s.log.Info("Credential removed", "name", name)
	return nil
}

// List returns the stored credential names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.list", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), credentialExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), credentialExt))
	}
	sort.Strings(names)
	return names, nil
}

// seal produces nonce || ciphertext.
func (s *Store) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.seal", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.seal", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, models.WrapError(models.KindInternal, "credentials.seal", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, models.NewError(models.KindInternal, "credentials.open", "ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
