package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agrios/offline/internal/logging"
)

// EncryptFile encrypts inPath into outPath.
func EncryptFile(inPath, outPath, password string) error {
	plaintext, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inPath, err)
	}
	data, err := Encrypt(plaintext, password)
	if err != nil {
		return err
	}
	return writeAtomic(outPath, data, 0644)
}

// DecryptFile decrypts inPath into outPath. outPath is only created once the
// whole file has been authenticated.
func DecryptFile(inPath, outPath, password string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inPath, err)
	}
	plaintext, err := Decrypt(data, password)
	if err != nil {
		var de *DecryptionError
		if errors.As(err, &de) {
			de.Path = inPath
		}
		return err
	}
	return writeAtomic(outPath, plaintext, 0600)
}

// DecryptIfAbsent decrypts encPath into outPath unless outPath already
// exists. It reports whether a file was written. An empty password returns
// ErrNoPassword so the caller can continue without local secrets.
func DecryptIfAbsent(encPath, outPath, password string) (bool, error) {
	if _, err := os.Stat(outPath); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", outPath, err)
	}
	if password == "" {
		return false, ErrNoPassword
	}
	if err := DecryptFile(encPath, outPath, password); err != nil {
		return false, err
	}
	logging.Info("Decrypted secret file", map[string]interface{}{"path": outPath})
	return true, nil
}

// writeAtomic writes data to a temp file next to path, then renames it.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}
