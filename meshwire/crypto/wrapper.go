// Package crypto implements the welcome wrapper encryption: a sealed
// box over X25519 with HKDF-SHA256 key derivation and
// ChaCha20-Poly1305 AEAD. Welcomes are wrapped so that only the
// target installation's wrapper key can open them.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const WrapperAlgorithmCurve25519 uint32 = 1

var ErrWrapperOpen = errors.New("crypto: wrapper decryption failed")

// WrapperKeyPair is the long-lived wrapper key of an installation.
type WrapperKeyPair struct {
	Public  []byte
	private []byte
}

func GenerateWrapperKeyPair() (*WrapperKeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &WrapperKeyPair{Public: public, private: private}, nil
}

// WrapperKeyPairFromSeed derives a deterministic pair; tests and
// backup restore use it.
func WrapperKeyPairFromSeed(seed []byte) (*WrapperKeyPair, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte("welcome-wrapper-key"))
	private := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(reader, private); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &WrapperKeyPair{Public: public, private: private}, nil
}

func deriveAeadKey(sharedSecret, ephemeralPub, recipientPub []byte) ([]byte, error) {
	info := append(append([]byte("welcome-wrapper-v1"), ephemeralPub...), recipientPub...)
	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal wraps plaintext to the recipient's wrapper public key. Output
// is ephemeral_pub ‖ nonce ‖ ciphertext.
func Seal(recipientPub, plaintext []byte) ([]byte, error) {
	ephemeralPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv); err != nil {
		return nil, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeralPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := deriveAeadKey(shared, ephemeralPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephemeralPub), nil
}

// Open unwraps a sealed welcome with the recipient's key pair.
func (kp *WrapperKeyPair) Open(sealed []byte) ([]byte, error) {
	headerLen := curve25519.PointSize + chacha20poly1305.NonceSize
	if len(sealed) < headerLen {
		return nil, errors.Wrap(ErrWrapperOpen, "short input")
	}
	ephemeralPub := sealed[:curve25519.PointSize]
	nonce := sealed[curve25519.PointSize:headerLen]
	ciphertext := sealed[headerLen:]

	shared, err := curve25519.X25519(kp.private, ephemeralPub)
	if err != nil {
		return nil, errors.Wrap(ErrWrapperOpen, err.Error())
	}
	key, err := deriveAeadKey(shared, ephemeralPub, kp.Public)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ephemeralPub)
	if err != nil {
		return nil, ErrWrapperOpen
	}
	return plaintext, nil
}
