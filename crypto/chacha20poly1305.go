// Package crypto seals payloads between two curve25519 key pairs.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// Returns a new private key and its public key.
func NewKeyPair() (nacl.Key, nacl.Key) {
	priv := nacl.NewKey()
	return priv, scalarmult.Base(priv)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// The random nonce is prepended to the ciphertext.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cipher.NonceSize(), cipher.NonceSize()+len(msg)+cipher.Overhead())
	if _, err := crypto_rand.Read(nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(enc) < cipher.NonceSize() {
		return nil, ErrShortCiphertext
	}
	return cipher.Open(nil, enc[:cipher.NonceSize()], enc[cipher.NonceSize():], ad)
}
