// Package keypair manages the RSA identity keypair the agent presents
// to the gateway during the connection handshake: generate-once, persist
// to disk, and fingerprint the public key for display and for the
// gateway's registration flow.
package keypair

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/portacode-agent/pkg/state"
)

// keySize is sized for a long-lived device identity key, not a
// short-lived session cert, so it errs toward root-CA-grade sizing.
const keySize = 4096

const (
	privateKeyFile = "device_key.pem"
	publicKeyFile  = "device_key.pub.pem"
)

// Keypair is the loaded or generated device identity.
type Keypair struct {
	Private       *rsa.PrivateKey
	PublicKeyPEM  []byte
	PrivateKeyPEM []byte
}

// Dir returns the directory the keypair is persisted under.
func Dir() string { return state.KeypairDir() }

// GetOrCreate loads the persisted keypair from Dir, generating and
// persisting a new one on first run. Safe to call repeatedly; the
// private key file is written with 0600 permissions.
func GetOrCreate() (*Keypair, error) {
	dir := Dir()
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if state.Exists(privPath) && state.Exists(pubPath) {
		kp, err := load(privPath, pubPath)
		if err == nil {
			return kp, nil
		}
		// fall through to regenerate if the persisted files are unreadable
	}

	return generate(dir, privPath, pubPath)
}

func load(privPath, pubPath string) (*Keypair, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("keypair: invalid PEM in %s", privPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keypair: parse private key: %w", err)
	}

	return &Keypair{Private: key, PublicKeyPEM: pubPEM, PrivateKeyPEM: privPEM}, nil
}

func generate(dir, privPath, pubPath string) (*Keypair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("keypair: generate: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keypair: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := writeFileAtomic(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("keypair: persist private key: %w", err)
	}
	if err := writeFileAtomic(pubPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("keypair: persist public key: %w", err)
	}

	return &Keypair{Private: key, PublicKeyPEM: pubPEM, PrivateKeyPEM: privPEM}, nil
}

// writeFileAtomic applies state's write-temp/fsync/chmod/rename discipline
// to a raw byte blob; state.Save is JSON-only and would base64-wrap a PEM
// file, which other tools (scp, openssl) need to read verbatim.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Fingerprint returns the SHA-256 fingerprint of a DER-encoded public key,
// formatted as colon-separated hex pairs (e.g. "ab:cd:ef:...").
func Fingerprint(publicKeyPEM []byte) (string, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return "", fmt.Errorf("keypair: invalid public key PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	hexStr := hex.EncodeToString(sum[:])

	out := make([]byte, 0, len(hexStr)+len(hexStr)/2)
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexStr[i], hexStr[i+1])
	}
	return string(out), nil
}
