package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// ivSize is the GCM nonce length. 16 bytes to match the backup wire
	// format; the cipher is built with an explicit nonce size.
	ivSize = 16
	// tagSize is the GCM authentication tag length.
	tagSize = 16
	// keySize is 32 bytes for AES-256.
	keySize = 32
)

// Argon2id parameters for password-based key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// argonSalt is fixed so the same password always derives the same key;
// backups must be decryptable with nothing but the password.
var argonSalt = []byte("axis.backup.v1")

// Cipher encrypts and decrypts backup payloads with AES-256-GCM.
// The wire format per payload is IV(16) || TAG(16) || CIPHERTEXT.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// NewCipherFromPassword derives the key from a password with Argon2id.
func NewCipherFromPassword(password string) (*Cipher, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	key := argon2.IDKey([]byte(password), argonSalt, argonTime, argonMemory, argonThreads, keySize)
	return NewCipher(key)
}

// NewCipherFromPasswordSHA256 derives the key by hashing the password with
// SHA-256. Kept for reading backups written before the Argon2id derivation.
func NewCipherFromPasswordSHA256(password string) (*Cipher, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewCipher(hash[:])
}

// Encrypt seals plaintext into IV || TAG || CIPHERTEXT.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire format wants it
	// between IV and ciphertext.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens an IV || TAG || CIPHERTEXT payload.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < ivSize+tagSize {
		return nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}

	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	iv := data[:ivSize]
	tag := data[ivSize : ivSize+tagSize]
	ciphertext := data[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
