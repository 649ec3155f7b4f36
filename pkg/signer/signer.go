// Package signer implements Ed25519 signing and verification over
// canonicalized payloads, with domain separation enforced by construction:
// every call takes a canonicalize.Domain and signs/verifies
// canonicalize.Canonicalize(domain, unsigned), never raw caller bytes.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/connerlevi/capnet/pkg/canonicalize"
)

// Alg is the only signature algorithm this core supports.
const Alg = "ed25519"

// KeyPair holds a process-lifetime Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: key generation failed: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// FromPrivateKey rebuilds a KeyPair from a stored 64-byte Ed25519 private
// key (the seed concatenated with the public key, as crypto/ed25519 stores
// it).
func FromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: invalid private key length %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: unexpected public key type")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyBase64 returns the 32-byte public key, base64-standard encoded,
// the wire format used in Capability.Issuer.PubKey and Executor.AgentPubKey.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// Sign produces a detached Ed25519 signature (base64-encoded) over
// canonicalize(domain, unsigned). unsigned must be the proof-less body;
// callers must strip any `proof`/`signature` field before calling Sign.
func Sign(unsigned interface{}, domain canonicalize.Domain, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signer: invalid private key length %d, want %d (structural failure, not a silent false)", len(priv), ed25519.PrivateKeySize)
	}
	msg, err := canonicalize.Canonicalize(domain, unsigned)
	if err != nil {
		return "", fmt.Errorf("signer: canonicalization failed: %w", err)
	}
	sig := ed25519.Sign(priv, msg)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 Ed25519 signature over canonicalize(domain,
// unsigned) against a base64-encoded 32-byte public key. Length mismatches
// in the decoded key or signature are structural failures, returned as
// errors, never silently folded into a `false` result.
func Verify(unsigned interface{}, sigB64 string, pubKeyB64 string, domain canonicalize.Domain) (bool, error) {
	pubKey, err := DecodePublicKey(pubKeyB64)
	if err != nil {
		return false, fmt.Errorf("signer: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("signer: signature is not valid base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signer: invalid signature length %d, want %d", len(sig), ed25519.SignatureSize)
	}
	msg, err := canonicalize.Canonicalize(domain, unsigned)
	if err != nil {
		return false, fmt.Errorf("signer: canonicalization failed: %w", err)
	}
	return ed25519.Verify(pubKey, msg, sig), nil
}

// DecodePublicKey decodes and length-validates a base64-encoded Ed25519
// public key. A decode failure or wrong length is always returned as an
// error, never coerced to an "untrusted" boolean.
func DecodePublicKey(pubKeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("public key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
