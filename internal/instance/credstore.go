package instance

import (
	"fmt"
	"os"
	"path/filepath"
)

// CredentialStore keeps per-instance session credential material on disk,
// one directory per instance under the configured base. The whatsmeow
// connector stores its sqlstore database inside the instance directory, so
// Destroy forces a fresh pairing on the next connect.
type CredentialStore struct {
	base string
}

func NewCredentialStore(base string) *CredentialStore {
	return &CredentialStore{base: base}
}

// Dir returns the credential directory path for an instance.
func (s *CredentialStore) Dir(id string) string {
	return filepath.Join(s.base, id)
}

// Ensure creates the instance credential directory when missing and returns
// its path.
func (s *CredentialStore) Ensure(id string) (string, error) {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}
	return dir, nil
}

// Save persists rotated credential material emitted by the transport.
func (s *CredentialStore) Save(id string, material []byte) error {
	dir, err := s.Ensure(id)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "creds.bin"), material, 0o600)
}

// Destroy removes all credential material for an instance. Removing a
// directory that does not exist is not an error.
func (s *CredentialStore) Destroy(id string) error {
	return os.RemoveAll(s.Dir(id))
}
