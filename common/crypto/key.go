package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/pkg/errors"
)

// GenerateKey writes a fresh random key to path and returns it.
// An existing key file is never overwritten: losing the old key would make
// every historical entry unreadable.
func GenerateKey(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("key path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create key directory for %s", path)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Errorf("key file already exists: %s", path)
		}
		return nil, errors.Wrapf(err, "failed to create key file: %s", path)
	}
	defer file.Close()

	if _, err := file.WriteString(base64.URLEncoding.EncodeToString(key)); err != nil {
		return nil, errors.Wrapf(err, "failed to write key file: %s", path)
	}
	logger.Infof("Generated new ledger key at %s", path)
	return key, nil
}

// LoadKey reads a key written by GenerateKey.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key file: %s", path)
	}
	key, err := base64.URLEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "malformed key file: %s", path)
	}
	if len(key) != KeySize {
		return nil, errors.Errorf("key file %s holds %d bytes, expected %d", path, len(key), KeySize)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key at path, generating it on first start.
func LoadOrGenerateKey(path string) ([]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKey(path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to stat key file: %s", path)
	}
	return GenerateKey(path)
}
