// genkey generates an Ed25519 key pair for signing research API tokens.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Writes:
//
//	<dir>/jwt_private.pem  (mode 0600, keep this secret)
//	<dir>/jwt_public.pem   (mode 0600)
//
// Point DEEPRESEARCH_JWT_PRIVATE_KEY and DEEPRESEARCH_JWT_PUBLIC_KEY at them.
// Without persistent keys the server generates an ephemeral pair on every
// start, which invalidates all tokens issued before a restart.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", "data", "output directory")
	flag.Parse()

	privPath, pubPath, err := writeKeyPair(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export DEEPRESEARCH_JWT_PRIVATE_KEY=%s DEEPRESEARCH_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
}

// writeKeyPair creates dir if needed and writes a fresh PEM key pair into it.
// Existing keys are never overwritten.
func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, "jwt_private.pem")
	pubPath = filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}

	// Rotating keys invalidates live tokens, so it must be deliberate.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists, delete it first if you want to rotate keys", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("stat %s: %w", path, err)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
