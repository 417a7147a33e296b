package sessionstore

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltName = "sessionstore.salt"

// Derives the 32 byte database key from a passphrase. The salt is created in dir on first use
// and read back afterwards.
func KeyFromPassphrase(passphrase, dir string) ([]byte, error) {
	salt, err := loadSalt(filepath.Join(dir, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(passphrase), salt[:], 1, 64*1024, 4, 32), nil
}

func loadSalt(saltPath string) ([16]byte, error) {
	var salt [16]byte
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return createSalt(saltPath)
	} else if err != nil {
		return salt, err
	}
	defer f.Close()
	if _, err := io.ReadFull(f, salt[:]); err != nil {
		return salt, fmt.Errorf("sessionstore: error reading salt: %w", err)
	}
	return salt, nil
}

func createSalt(saltPath string) ([16]byte, error) {
	var salt [16]byte
	if _, err := crypto_rand.Read(salt[:]); err != nil {
		return salt, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return salt, err
	}
	n, err := f.Write(salt[:])
	if err != nil {
		_ = f.Close()
		return salt, err
	}
	if n != 16 {
		_ = f.Close()
		return salt, fmt.Errorf("expected 16 bytes, got %d", n)
	}
	return salt, f.Close()
}
