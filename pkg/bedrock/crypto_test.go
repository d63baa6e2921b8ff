package bedrock

import (
	"bytes"
	"testing"
)

func TestDiffieHellmanSymmetric(t *testing.T) {
	client, err := GenKeyPair()
	if err != nil {
		t.Fatalf("client key pair: %v", err)
	}
	server, err := GenKeyPair()
	if err != nil {
		t.Fatalf("server key pair: %v", err)
	}
	salt, err := RandomSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}

	a, err := DiffieHellman(client.Private, server.Public, salt)
	if err != nil {
		t.Fatalf("client side: %v", err)
	}
	b, err := DiffieHellman(server.Private, client.Public, salt)
	if err != nil {
		t.Fatalf("server side: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected both sides to derive the same shared secret")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-byte secret, got %d", len(a))
	}
}

func TestEncryptedBatchCodecGCMRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	codec, err := NewEncryptedBatchCodec(secret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	plaintext := []byte("a batch of bedrock packets")
	ciphertext, err := codec.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := codec.gcmOpen(ciphertext)
	if err != nil {
		t.Fatalf("gcm open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("gcm round trip did not recover the original plaintext")
	}
}

func TestEncryptedBatchCodecCFB8RoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x7A}, 32)
	enc, err := NewEncryptedBatchCodec(secret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	plaintext := []byte("CFB8 has no authentication tag")
	ciphertext := make([]byte, len(plaintext))
	newCFB8(enc.block, enc.iv, false).XORKeyStream(ciphertext, plaintext)

	dec, err := NewEncryptedBatchCodec(secret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	got, err := dec.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("cfb8 round trip did not recover the original plaintext")
	}
}

func TestEncryptedBatchCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewEncryptedBatchCodec([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error constructing a codec from a short secret")
	}
}
