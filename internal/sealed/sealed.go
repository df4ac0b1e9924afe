// Package sealed protects deploy secrets while they sit in the database
// between a deployment request and the worker that consumes it.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

const prefix = "age:"

// Sealer encrypts to its own X25519 identity. A Sealer without an identity
// stores values as given.
type Sealer struct {
	identity *age.X25519Identity
}

// New parses an AGE-SECRET-KEY-1... identity. An empty identity yields a
// pass-through Sealer.
func New(identity string) (*Sealer, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return &Sealer{}, nil
	}
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid age identity: %w", err)
	}
	return &Sealer{identity: id}, nil
}

// Generate returns a new identity string for the [sealing] config section
func Generate() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), nil
}

func (s *Sealer) Enabled() bool {
	return s != nil && s.identity != nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || !s.Enabled() {
		return plaintext, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal. Values stored without sealing are returned unchanged.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", fmt.Errorf("sealed value but no age identity configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted value: %w", err)
	}
	return string(plain), nil
}
