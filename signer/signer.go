// Package signer manages the node's Ed25519 signing identity, shared by the
// Service Preloader (spec.md C2, sealed-artifact checksum signature) and the
// Crypto Audit Chain (spec.md C6, per-event signature).
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Signer signs digests with the node's Ed25519 private key and exposes the
// public key for verification and for stamping into audit events.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// Load builds a Signer from PEM-encoded PKCS8 private/public keys, as
// configured via SVM_SIGNING_PRIVATE_KEY_PEM / SVM_SIGNING_PUBLIC_KEY_PEM. If
// privatePEM is empty, a fresh ephemeral key pair is generated and publicPEM
// is ignored — callers should
// log this loudly since chain verification across restarts will fail.
func Load(privatePEM, publicPEM, keyID string) (*Signer, error) {
	if privatePEM == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signer: generate ephemeral key: %w", err)
		}
		return &Signer{priv: priv, pub: pub, keyID: keyID}, nil
	}
	priv, err := decodePrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("signer: decode private key: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	if publicPEM != "" {
		decodedPub, err := decodePublicKey(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("signer: decode public key: %w", err)
		}
		if !pub.Equal(decodedPub) {
			return nil, fmt.Errorf("signer: public key does not match private key")
		}
	}
	return &Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// Sign returns the Ed25519 signature over digest.
func (s *Signer) Sign(digest []byte) []byte {
	return ed25519.Sign(s.priv, digest)
}

// PublicKey returns the node's public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// PublicKeyPEM renders the public key as a PEM block, suitable for stamping
// into audit events.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return "", fmt.Errorf("signer: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// KeyID identifies which key produced a signature (SVM_NODE_ID by convention).
func (s *Signer) KeyID() string { return s.keyID }

// Verify checks an Ed25519 signature over digest using pub.
func Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	return ed25519.Verify(pub, digest, sig)
}

func decodePrivateKey(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return priv, nil
}

func decodePublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return pub, nil
}
