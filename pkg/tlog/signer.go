package tlog

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// Keys is a signed-note key pair. The key name is the log origin.
type Keys struct {
	Signer   string
	Verifier string
}

// GenerateKeys creates a key pair for origin.
func GenerateKeys(origin string) (Keys, error) {
	skey, vkey, err := note.GenerateKey(rand.Reader, origin)
	if err != nil {
		return Keys{}, fmt.Errorf("generate checkpoint key: %w", err)
	}
	return Keys{Signer: skey, Verifier: vkey}, nil
}

// LoadOrCreateKeys reads the key pair at path, creating one for origin if the
// file does not exist. The file holds the signer key and the verifier key on
// separate lines.
func LoadOrCreateKeys(path, origin string) (Keys, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		keys, err := GenerateKeys(origin)
		if err != nil {
			return Keys{}, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Keys{}, err
		}
		if err := os.WriteFile(path, []byte(keys.Signer+"\n"+keys.Verifier+"\n"), 0o600); err != nil {
			return Keys{}, fmt.Errorf("save checkpoint key: %w", err)
		}
		return keys, nil
	}
	if err != nil {
		return Keys{}, fmt.Errorf("read checkpoint key: %w", err)
	}

	lines := strings.Fields(string(data))
	if len(lines) != 2 {
		return Keys{}, fmt.Errorf("checkpoint key file %s: want 2 lines, got %d", path, len(lines))
	}
	keys := Keys{Signer: lines[0], Verifier: lines[1]}
	if _, err := note.NewSigner(keys.Signer); err != nil {
		return Keys{}, fmt.Errorf("checkpoint signer key: %w", err)
	}
	if _, err := note.NewVerifier(keys.Verifier); err != nil {
		return Keys{}, fmt.Errorf("checkpoint verifier key: %w", err)
	}
	return keys, nil
}
