package bedrock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// ErrCryptoFailure is returned when a GCM tag fails to verify, or an
// encrypted batch otherwise fails to decode. Fatal to the session.
var ErrCryptoFailure = fmt.Errorf("crypto failure")

// KeyPair is an ephemeral secp384r1 (P-384) key, used both for ECDH key
// agreement and for signing the JWTs the proxy re-issues.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenKeyPair generates a fresh ephemeral secp384r1 key pair.
func GenKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// RandomSalt returns a fresh base64-encoded 16-byte salt, combined with
// the ECDH shared secret before hashing to derive the batch key.
func RandomSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DiffieHellman computes the shared secret between priv and pub, mixed
// with saltB64: SHA-256(salt || raw-ECDH-shared-secret),
// yielding a 32-byte AES-256 key.
func DiffieHellman(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, saltB64 string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}

	privECDH, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}
	pubECDH, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}
	shared, err := privECDH.ECDH(pubECDH)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	h := sha256.New()
	h.Write(salt)
	h.Write(shared)
	return h.Sum(nil), nil
}

// ParsePublicKey decodes a base64 DER SPKI-encoded EC public key, the
// format Login's identityPublicKey claim and ServerHandshake's x5u header
// carry.
func ParsePublicKey(s string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an EC key")
	}
	return ecPub, nil
}

// EncodePublicKey is the inverse of ParsePublicKey.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// EncryptedBatchCodec decodes and encodes a batch toward/from one
// direction of a session once it has reached the Encrypted state.
// Decryption uses AES-256-CFB8; encryption uses AES-256-GCM. This
// asymmetry is intentional and preserved rather than unified.
type EncryptedBatchCodec struct {
	key   []byte // 32 bytes
	iv    []byte // first 16 bytes of key
	block cipher.Block
	gcm   cipher.AEAD
}

// NewEncryptedBatchCodec constructs a codec for a direction's shared
// secret, derived at the corresponding handshake step.
func NewEncryptedBatchCodec(secret []byte) (*EncryptedBatchCodec, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: shared secret must be 32 bytes, got %d", ErrCryptoFailure, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: init aes: %v", ErrCryptoFailure, err)
	}
	iv := secret[:16]
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: init gcm: %v", ErrCryptoFailure, err)
	}
	return &EncryptedBatchCodec{key: secret, iv: iv, block: block, gcm: gcm}, nil
}

// Decrypt decrypts an inbound ciphertext with AES-256-CFB8, in place over
// a copy of ciphertext. There is no MAC check, matching the source's
// inbound format.
func (c *EncryptedBatchCodec) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	newCFB8(c.block, c.iv, true).XORKeyStream(out, ciphertext)
	return out, nil
}

// Encrypt encrypts an outbound plaintext with AES-256-GCM, returning
// ciphertext||tag as a single byte slice.
func (c *EncryptedBatchCodec) Encrypt(plaintext []byte) ([]byte, error) {
	return c.gcm.Seal(nil, c.iv, plaintext, nil), nil
}

// gcmOpen is used only by tests to confirm round-trip decryptability of a
// batch the proxy itself produced.
func (c *EncryptedBatchCodec) gcmOpen(ciphertext []byte) ([]byte, error) {
	pt, err := c.gcm.Open(nil, c.iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm open: %v", ErrCryptoFailure, err)
	}
	return pt, nil
}
