// Package vault implements the on-disk encrypted credential keyring.
//
// The file format, key derivation (PBKDF2-HMAC-SHA256 from
// "<machine-id>:<passphrase>") and per-secret AEAD envelope are grounded on
// the teacher's atomic-write config pattern and wingthing's
// DeriveSharedKey/Encrypt/Decrypt AES-GCM helpers, generalized from a
// single ECDH session key to a PBKDF2-derived long-lived vault key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/agentsupervisor/agentsupervisor/internal/vault/machineid"
)

// Errors surfaced by the vault. Callers should use errors.Is against
// these rather than matching error text.
var (
	// ErrDecryptionFailed is returned by Get when the stored ciphertext
	// cannot be decrypted with the current derived key — typically
	// because the vault file was copied to a different machine.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
	ErrNotFound         = errors.New("vault: entry not found")
)

const (
	fileVersion   = 1
	pbkdf2Iters   = 600_000
	saltSize      = 16
	keySize       = 32 // AES-256
	defaultFileMode = 0o600
)

// Entry is the metadata returned by List — it never carries the secret.
type Entry struct {
	Provider   string    `json:"provider"`
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// record is the on-disk representation of one entry, including its
// encrypted secret.
type record struct {
	Provider   string    `json:"provider"`
	ID         string    `json:"id"`
	Ciphertext string    `json:"ciphertext"` // base64(nonce || aesgcm(secret))
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

type fileFormat struct {
	Version int      `json:"version"`
	Salt    string   `json:"salt"` // base64
	Entries []record `json:"entries"`
}

// Vault is a file-backed encrypted keyring. It is safe for concurrent use
// by multiple goroutines within one process; it does not coordinate
// across processes beyond the atomic rename on every write.
type Vault struct {
	mu   sync.Mutex
	path string
	gcm  cipher.AEAD
	salt []byte

	entries []record
}

// Open loads (or, if absent, initializes) the vault at path, deriving its
// key from the current machine id and the given passphrase (may be empty
// for a machine-only-bound vault).
func Open(path string, passphrase string) (*Vault, error) {
	v := &Vault{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("vault: generate salt: %w", err)
		}
		v.salt = salt
		gcm, err := deriveAEAD(salt, passphrase)
		if err != nil {
			return nil, err
		}
		v.gcm = gcm
		if err := v.persistLocked(); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}
	salt, err := base64.StdEncoding.DecodeString(ff.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: decode salt: %w", err)
	}
	v.salt = salt
	v.entries = ff.Entries

	gcm, err := deriveAEAD(salt, passphrase)
	if err != nil {
		return nil, err
	}
	v.gcm = gcm
	return v, nil
}

func deriveAEAD(salt []byte, passphrase string) (cipher.AEAD, error) {
	id, err := machineid.Get()
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	material := []byte(id + ":" + passphrase)
	key := pbkdf2.Key(material, salt, pbkdf2Iters, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}

func encrypt(gcm cipher.AEAD, plaintext []byte) (string, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(gcm cipher.AEAD, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Add upserts an entry keyed by (provider, id). id defaults to provider
// when empty. The vault is persisted to disk before Add returns.
func (v *Vault) Add(provider, key, id string) error {
	if id == "" {
		id = provider
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	ciphertext, err := encrypt(v.gcm, []byte(key))
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range v.entries {
		if v.entries[i].Provider == provider && v.entries[i].ID == id {
			v.entries[i].Ciphertext = ciphertext
			v.entries[i].CreatedAt = now
			v.entries[i].LastUsedAt = time.Time{}
			return v.persistLocked()
		}
	}
	v.entries = append(v.entries, record{
		Provider:  provider,
		ID:        id,
		Ciphertext: ciphertext,
		CreatedAt: now,
	})
	return v.persistLocked()
}

// Get returns the plaintext secret for (provider, id), updating
// last-used-at. Returns ErrNotFound if no such entry exists, or
// ErrDecryptionFailed if the stored ciphertext cannot be decrypted with
// the current derived key.
func (v *Vault) Get(provider, id string) (string, error) {
	if id == "" {
		id = provider
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.entries {
		if v.entries[i].Provider == provider && v.entries[i].ID == id {
			plaintext, err := decrypt(v.gcm, v.entries[i].Ciphertext)
			if err != nil {
				return "", err
			}
			v.entries[i].LastUsedAt = time.Now()
			if err := v.persistLocked(); err != nil {
				return "", err
			}
			return string(plaintext), nil
		}
	}
	return "", ErrNotFound
}

// Remove deletes the entry for (provider, id). Returns whether an entry
// existed.
func (v *Vault) Remove(provider, id string) (bool, error) {
	if id == "" {
		id = provider
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.entries {
		if v.entries[i].Provider == provider && v.entries[i].ID == id {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return true, v.persistLocked()
		}
	}
	return false, nil
}

// List returns metadata for every entry, never the secret.
func (v *Vault) List() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Entry, len(v.entries))
	for i, r := range v.entries {
		out[i] = Entry{
			Provider:   r.Provider,
			ID:         r.ID,
			CreatedAt:  r.CreatedAt,
			LastUsedAt: r.LastUsedAt,
		}
	}
	return out
}

// EnvMap resolves the conventional environment-variable name
// (<PROVIDER>_API_KEY, uppercased, hyphens to underscores) for each
// provider in providers that has a vault entry under its default id,
// returning {env-var -> secret}. Providers without an entry are silently
// omitted — the caller (the delegation handler) decides whether that's fatal.
func (v *Vault) EnvMap(providers []string) (map[string]string, error) {
	out := make(map[string]string, len(providers))
	for _, p := range providers {
		secret, err := v.Get(p, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[conventionalEnvVar(p)] = secret
	}
	return out, nil
}

func conventionalEnvVar(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}

// persistLocked writes the vault atomically: to a temp file in the same
// directory, then renamed over the target, so a crash mid-write never
// leaves a torn keys.enc on disk.
func (v *Vault) persistLocked() error {
	ff := fileFormat{
		Version: fileVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Entries: v.entries,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".keys-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, v.path); err != nil {
		return fmt.Errorf("vault: rename into place: %w", err)
	}
	return os.Chmod(v.path, defaultFileMode)
}

// ConstantTimeEqual compares two strings in constant time; the
// credential proxy uses it to check the session token.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison of equal-length dummy data so the
		// timing doesn't trivially leak the expected length either.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
