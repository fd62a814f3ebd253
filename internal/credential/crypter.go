package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16
	keySize        = 32
	pbkdf2Rounds   = 100000
	minCiphertext  = saltSize + 12
	crypterVersion = "v1:"
)

// Crypter encrypts small JSON payloads with AES-GCM. The key is derived
// from the passphrase with PBKDF2 using a fresh salt per encryption; the
// salt and nonce travel inside the ciphertext.
type Crypter struct {
	passphrase []byte
}

// NewCrypter builds a crypter over the given passphrase.
func NewCrypter(passphrase string) (*Crypter, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty crypter passphrase")
	}
	return &Crypter{passphrase: []byte(passphrase)}, nil
}

// EncryptObject marshals v to JSON and returns the sealed, base64-coded
// ciphertext.
func (c *Crypter) EncryptObject(v interface{}) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling credential payload: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return crypterVersion + base64.StdEncoding.EncodeToString(out), nil
}

// DecryptObject opens ciphertext produced by EncryptObject and
// unmarshals the payload into v.
func (c *Crypter) DecryptObject(ciphertext string, v interface{}) error {
	if len(ciphertext) < len(crypterVersion) || ciphertext[:len(crypterVersion)] != crypterVersion {
		return fmt.Errorf("unrecognized credential ciphertext format")
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(crypterVersion):])
	if err != nil {
		return fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < minCiphertext {
		return fmt.Errorf("ciphertext too short")
	}

	salt := raw[:saltSize]
	gcm, err := c.aead(salt)
	if err != nil {
		return err
	}

	if len(raw) < saltSize+gcm.NonceSize() {
		return fmt.Errorf("ciphertext too short")
	}
	nonce := raw[saltSize : saltSize+gcm.NonceSize()]
	sealed := raw[saltSize+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("decrypting credential payload: %w", err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshaling credential payload: %w", err)
	}
	return nil
}

func (c *Crypter) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, pbkdf2Rounds, keySize, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building GCM: %w", err)
	}
	return gcm, nil
}
