package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// KeyDirEnv overrides the directory escrowctl keeps identity files in.
const KeyDirEnv = "ESCROW_KEY_DIR"

// ErrKeyMismatch reports a keystore document whose recorded address is not
// the address of the key it encrypts.
var ErrKeyMismatch = errors.New("crypto: keystore address does not match key")

// DefaultKeyDir returns $ESCROW_KEY_DIR, or ~/.escrow/keys.
func DefaultKeyDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(KeyDirEnv)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("crypto: resolve key directory: %w", err)
	}
	return filepath.Join(home, ".escrow", "keys"), nil
}

// KeyFile names the identity file of addr inside dir.
func KeyFile(dir string, addr common.Address) string {
	return filepath.Join(dir, EncodeBech32(addr)+".json")
}

// SaveToKeystore encrypts key as a v3 keystore document and writes it to
// path with 0600 permissions. The file is replaced atomically.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	doc, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the keystore document at path. The address
// recorded in the document must match the decrypted key.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("crypto: decode keystore %s: %w", path, err)
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, err
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if common.HexToAddress(header.Address) != key.Address() {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, path)
	}
	return key, nil
}

// LoadAccount decrypts the identity file of addr kept in dir.
func LoadAccount(dir string, addr common.Address, passphrase string) (*PrivateKey, error) {
	return LoadFromKeystore(KeyFile(dir, addr), passphrase)
}
