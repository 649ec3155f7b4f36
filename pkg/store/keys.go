package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// IssuerKeys is the process's signing identity, generated once and sealed
// at rest: an HKDF-SHA256 stretch of the local seal secret derives a
// ChaCha20-Poly1305 key that wraps the Ed25519 private key on disk, so the
// key file never holds raw private key bytes.
type IssuerKeys struct {
	IssuerID string
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
}

type sealedKeyFile struct {
	IssuerID   string `json:"issuer_id"`
	PublicKey  string `json:"public_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const issuerKeyHKDFInfo = "capnet:issuer-key-seal/0.1"

// sealSecret returns the local master secret used to derive the sealing
// key. In production deployments this would come from a KMS or mounted
// secret; here it is read from CAPNET_SEAL_SECRET if set, and otherwise a
// fixed development secret is used so a fresh checkout still boots.
func sealSecret() []byte {
	if s := os.Getenv("CAPNET_SEAL_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("capnet-development-seal-secret-do-not-use-in-production")
}

func deriveSealKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sealSecret(), salt, []byte(issuerKeyHKDFInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

func loadOrCreateIssuerKeys(path string) (*IssuerKeys, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		keys, loadErr := unsealIssuerKeys(raw)
		if loadErr != nil {
			return nil, fmt.Errorf("unseal issuer keys: %w", loadErr)
		}
		return keys, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read issuer key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate issuer keypair: %w", err)
	}
	keys := &IssuerKeys{
		IssuerID: "capnet-core-issuer",
		Public:   pub,
		Private:  priv,
	}

	data, err := sealIssuerKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("seal issuer keys: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("persist issuer keys: %w", err)
	}
	return keys, nil
}

func sealIssuerKeys(keys *IssuerKeys) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveSealKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, keys.Private, []byte(keys.IssuerID))

	wire := sealedKeyFile{
		IssuerID:   keys.IssuerID,
		PublicKey:  base64.StdEncoding.EncodeToString(keys.Public),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.MarshalIndent(wire, "", "  ")
}

func unsealIssuerKeys(raw []byte) (*IssuerKeys, error) {
	var wire sealedKeyFile
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("parse sealed key file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(wire.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wire.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(wire.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	key, err := deriveSealKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}
	priv, err := aead.Open(nil, nonce, ciphertext, []byte(wire.IssuerID))
	if err != nil {
		return nil, fmt.Errorf("decrypt issuer private key: %w", err)
	}

	return &IssuerKeys{
		IssuerID: wire.IssuerID,
		Public:   ed25519.PublicKey(pub),
		Private:  ed25519.PrivateKey(priv),
	}, nil
}
