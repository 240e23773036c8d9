// Package keyring remembers the tunnel private key between runs.
// It uses the system keyring when available, falling back to an
// encrypted file in the data directory when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/store"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = common.AppID
	probeKey    = "nebula-manager-probe"
)

// Backend names reported by Vault.Backend.
const (
	BackendSystem = "system"
	BackendFile   = "file"
)

// Vault stores secrets by account name.
type Vault struct {
	mu      sync.Mutex
	useFile bool
	file    string
	key     []byte
	entries map[string]string
	log     common.Logger
}

// Open probes the system keyring and falls back to an encrypted file in dir.
func Open(dir string) *Vault {
	v := &Vault{
		file: filepath.Join(dir, common.CredentialsFileName),
		log:  common.Component("keyring"),
	}
	err := keyring.Set(serviceName, probeKey, "probe")
	if err == nil {
		_ = keyring.Delete(serviceName, probeKey)
		return v
	}
	v.log.Info("System keyring unavailable (%v), using encrypted file", err)
	v.initFile()
	return v
}

func (v *Vault) initFile() {
	v.useFile = true
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", common.AppID, hostname, machineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	v.key = hash[:]
	v.entries = make(map[string]string)
	v.load()
}

// Backend reports which storage is in use.
func (v *Vault) Backend() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.useFile {
		return BackendFile
	}
	return BackendSystem
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (v *Vault) load() {
	data, err := os.ReadFile(v.file)
	if err != nil {
		return
	}
	plain, err := v.decrypt(data)
	if err != nil {
		v.log.Warn("Ignoring unreadable credentials file: %v", err)
		return
	}
	if err := json.Unmarshal(plain, &v.entries); err != nil {
		v.log.Warn("Ignoring malformed credentials file: %v", err)
	}
}

func (v *Vault) save() error {
	data, err := json.Marshal(v.entries)
	if err != nil {
		return err
	}
	encrypted, err := v.encrypt(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.file), 0700); err != nil {
		return err
	}
	return store.WriteFileAtomic(v.file, encrypted, 0600)
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (v *Vault) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Set stores secret under account.
func (v *Vault) Set(account, secret string) error {
	if account == "" {
		return fmt.Errorf("%w: account cannot be empty", common.ErrInvalidArgument)
	}
	if secret == "" {
		return fmt.Errorf("%w: secret cannot be empty", common.ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.useFile {
		err := keyring.Set(serviceName, account, secret)
		if err == nil {
			return nil
		}
		v.log.Warn("System keyring write failed (%v), falling back to file", err)
		v.initFile()
	}
	v.entries[account] = secret
	return v.save()
}

// Get returns the secret stored under account, or
// common.ErrCredentialsNotFound.
func (v *Vault) Get(account string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("%w: account cannot be empty", common.ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.useFile {
		secret, ok := v.entries[account]
		if !ok {
			return "", common.ErrCredentialsNotFound
		}
		return secret, nil
	}

	secret, err := keyring.Get(serviceName, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", common.ErrCredentialsNotFound
		}
		return "", fmt.Errorf("keyring: %w", err)
	}
	return secret, nil
}

// Delete removes the secret stored under account. Missing entries are not
// an error.
func (v *Vault) Delete(account string) error {
	if account == "" {
		return fmt.Errorf("%w: account cannot be empty", common.ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.useFile {
		if _, ok := v.entries[account]; !ok {
			return nil
		}
		delete(v.entries, account)
		return v.save()
	}

	if err := keyring.Delete(serviceName, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring: %w", err)
	}
	return nil
}

// Exists reports whether a secret is stored under account.
func (v *Vault) Exists(account string) bool {
	_, err := v.Get(account)
	return err == nil
}

// SaveKey remembers the tunnel private key.
func (v *Vault) SaveKey(privateKey string) error {
	return v.Set(common.KeyringAccount, privateKey)
}

// LoadKey returns the remembered tunnel private key.
func (v *Vault) LoadKey() (string, error) {
	return v.Get(common.KeyringAccount)
}

// ForgetKey removes the remembered tunnel private key.
func (v *Vault) ForgetKey() error {
	return v.Delete(common.KeyringAccount)
}
