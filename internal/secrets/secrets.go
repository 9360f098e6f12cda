// Package secrets encrypts and decrypts the environment secret file.
//
// File layout: salt (16) || nonce (16) || tag (16) || ciphertext.
// The key is PBKDF2-HMAC-SHA256(password, salt, 210000 iterations, 32 bytes)
// and the cipher is AES-256-GCM with a 16-byte nonce. Passwords are never
// stored with the file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/agrios/offline/internal/errors"
)

const (
	SaltLength  = 16
	NonceLength = 16
	TagLength   = 16
	KeyLength   = 32

	// Iterations is the PBKDF2 iteration count. Changing it breaks every
	// existing encrypted file.
	Iterations = 210000

	headerLength = SaltLength + NonceLength + TagLength
)

// ErrNoPassword is returned when no password was supplied.
var ErrNoPassword = errors.New("secrets password is not set")

// DecryptionError reports a wrong password or a corrupted file. No
// plaintext is ever returned or written alongside it.
type DecryptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	msg := "decryption failed"
	if e.Path != "" {
		msg += " for " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *DecryptionError) Code() apperrors.ErrorCode { return apperrors.ErrDecryptionFailed }

// Encrypt seals plaintext under a key derived from password with a fresh
// random salt and nonce.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrNoPassword
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to generate salt", err)
	}
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to generate nonce", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the file stores it first.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagLength], sealed[len(sealed)-TagLength:]

	out := make([]byte, 0, headerLength+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens data produced by Encrypt. A wrong password or any modified
// byte yields a *DecryptionError.
func Decrypt(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrNoPassword
	}
	if len(data) < headerLength {
		return nil, &DecryptionError{Reason: fmt.Sprintf("file is %d bytes, shorter than the %d byte header", len(data), headerLength)}
	}

	salt := data[:SaltLength]
	nonce := data[SaltLength : SaltLength+NonceLength]
	tag := data[SaltLength+NonceLength : headerLength]
	ct := data[headerLength:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+TagLength)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "wrong password or corrupted file", Err: err}
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLength, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to create cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceLength)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to create GCM", err)
	}
	return gcm, nil
}
