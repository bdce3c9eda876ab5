package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrEthical07/authcore/keys"
)

const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrDecryptionFailure is returned for malformed encoding, truncated buffers
	// or authentication tag mismatches.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrMissingPassphrase is returned by New when a passphrase is empty.
	ErrMissingPassphrase = errors.New("seal passphrase missing")
)

// Config holds the passphrases for both blob formats. They must differ.
type Config struct {
	TokenPassphrase  string
	SecretPassphrase string
}

// Sealer encrypts and decrypts token and secret blobs. It is safe for
// concurrent use.
type Sealer struct {
	tokenPass  string
	secretPass string
	random     io.Reader
}

// New validates cfg and returns a Sealer.
func New(cfg Config) (*Sealer, error) {
	if cfg.TokenPassphrase == "" || cfg.SecretPassphrase == "" {
		return nil, ErrMissingPassphrase
	}
	if cfg.TokenPassphrase == cfg.SecretPassphrase {
		return nil, errors.New("token and secret passphrases must differ")
	}
	return &Sealer{
		tokenPass:  cfg.TokenPassphrase,
		secretPass: cfg.SecretPassphrase,
		random:     rand.Reader,
	}, nil
}

// SealToken encrypts a client-facing token into the length-prefixed format.
func (s *Sealer) SealToken(plaintext string) (string, error) {
	salt, iv, err := s.saltAndNonce()
	if err != nil {
		return "", err
	}
	ct, err := encrypt(s.tokenPass, keys.TokenIterations, salt, iv, []byte(plaintext))
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, 1+len(salt)+len(iv)+len(ct))
	buf = append(buf, byte(len(salt)))
	buf = append(buf, salt...)
	buf = append(buf, iv...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// OpenToken reverses SealToken. A value that already looks like a compact JWS
// is returned unchanged so clients holding unsealed tokens keep working.
func (s *Sealer) OpenToken(blob string) (string, error) {
	if LooksLikeJWS(blob) {
		return strings.TrimSpace(blob), nil
	}

	raw, err := decode(blob)
	if err != nil {
		return "", err
	}
	if len(raw) < 1 {
		return "", fmt.Errorf("%w: empty blob", ErrDecryptionFailure)
	}
	saltLen := int(raw[0])
	if saltLen == 0 || len(raw) < 1+saltLen+nonceSize+tagSize {
		return "", fmt.Errorf("%w: truncated token blob", ErrDecryptionFailure)
	}
	salt := raw[1 : 1+saltLen]
	iv := raw[1+saltLen : 1+saltLen+nonceSize]
	ct := raw[1+saltLen+nonceSize:]

	pt, err := decrypt(s.tokenPass, keys.TokenIterations, salt, iv, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SealSecret encrypts a TOTP secret into the fixed-salt format.
func (s *Sealer) SealSecret(plaintext string) (string, error) {
	salt, iv, err := s.saltAndNonce()
	if err != nil {
		return "", err
	}
	ct, err := encrypt(s.secretPass, keys.SecretIterations, salt, iv, []byte(plaintext))
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(salt)+len(iv)+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, iv...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// OpenSecret reverses SealSecret.
func (s *Sealer) OpenSecret(blob string) (string, error) {
	raw, err := decode(blob)
	if err != nil {
		return "", err
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return "", fmt.Errorf("%w: truncated secret blob", ErrDecryptionFailure)
	}
	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+nonceSize]
	ct := raw[saltSize+nonceSize:]

	pt, err := decrypt(s.secretPass, keys.SecretIterations, salt, iv, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (s *Sealer) saltAndNonce() ([]byte, []byte, error) {
	buf := make([]byte, saltSize+nonceSize)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return nil, nil, fmt.Errorf("seal: read random: %w", err)
	}
	return buf[:saltSize], buf[saltSize:], nil
}

func newGCM(passphrase string, iterations int, salt []byte) (cipher.AEAD, error) {
	key, err := keys.DeriveAESKey(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, tagSize)
}

func encrypt(passphrase string, iterations int, salt, iv, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(passphrase, iterations, salt)
	if err != nil {
		return nil, fmt.Errorf("seal: init cipher: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func decrypt(passphrase string, iterations int, salt, iv, ct []byte) ([]byte, error) {
	gcm, err := newGCM(passphrase, iterations, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return pt, nil
}
