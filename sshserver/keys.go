package sshserver

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// authorizedKeys checks login keys against an OpenSSH authorized_keys file.
// The file is re-read whenever its modification time changes.
type authorizedKeys struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	keys    [][]byte
}

func newAuthorizedKeys(path string) *authorizedKeys {
	return &authorizedKeys{path: path}
}

func (a *authorizedKeys) allowed(key ssh.PublicKey) (bool, error) {
	keys, err := a.load()
	if err != nil {
		return false, err
	}
	wire := key.Marshal()
	for _, candidate := range keys {
		if bytes.Equal(candidate, wire) {
			return true, nil
		}
	}
	return false, nil
}

func (a *authorizedKeys) load() ([][]byte, error) {
	if strings.TrimSpace(a.path) == "" {
		return nil, errors.New("authorized keys path is required")
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return nil, fmt.Errorf("stat authorized keys: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys != nil && info.ModTime().Equal(a.modTime) {
		return a.keys, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	keys, err := parseAuthorizedKeys(data)
	if err != nil {
		return nil, err
	}
	a.keys = keys
	a.modTime = info.ModTime()
	return keys, nil
}

func parseAuthorizedKeys(data []byte) ([][]byte, error) {
	keys := [][]byte{}
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			if len(keys) == 0 {
				return nil, fmt.Errorf("parse authorized keys: %w", err)
			}
			break
		}
		keys = append(keys, key.Marshal())
		rest = next
	}
	return keys, nil
}
