package totp

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
)

const (
	// SecretSize is the raw secret length (160 bits, the RFC 4226 minimum).
	SecretSize = 20
	// Digits is the code length.
	Digits = 6
	// Period is the TOTP step in seconds.
	Period = 30
	// Skew is the number of steps accepted on either side of the current one.
	Skew = 1
)

// ErrInvalidSecret is returned when a base32 secret cannot be decoded.
var ErrInvalidSecret = errors.New("invalid totp secret")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Manager generates and verifies codes for a fixed issuer.
type Manager struct {
	issuer string
}

// NewManager returns a Manager that labels provisioning URIs with issuer.
func NewManager(issuer string) *Manager {
	return &Manager{issuer: issuer}
}

// Issuer returns the configured issuer label.
func (m *Manager) Issuer() string {
	return m.issuer
}

// GenerateSecret returns SecretSize random bytes and their unpadded base32 form.
func (m *Manager) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, b32.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI for account using the manager's issuer.
func (m *Manager) ProvisionURI(account, secretBase32 string) string {
	return ProvisionURI(m.issuer, account, secretBase32)
}

// ProvisionURI renders an otpauth:// URI. Parameter order is fixed so the
// output is stable for a given input.
func ProvisionURI(issuer, account, secretBase32 string) string {
	label := url.PathEscape(issuer + ":" + account)

	var b strings.Builder
	b.WriteString("otpauth://totp/")
	b.WriteString(label)
	b.WriteString("?secret=")
	b.WriteString(url.QueryEscape(secretBase32))
	b.WriteString("&issuer=")
	b.WriteString(url.QueryEscape(issuer))
	b.WriteString("&algorithm=SHA1&digits=")
	b.WriteString(strconv.Itoa(Digits))
	b.WriteString("&period=")
	b.WriteString(strconv.Itoa(Period))
	return b.String()
}

// QRCode renders uri as a size×size PNG.
func QRCode(uri string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("totp: parse uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("totp: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSecret parses a base32 secret, tolerating lower case, spaces and padding.
func DecodeSecret(secretBase32 string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secretBase32), " ", ""))
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrInvalidSecret
	}
	raw, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return raw, nil
}

// Counter returns the TOTP step for now.
func Counter(now time.Time) uint64 {
	sec := now.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec) / Period
}

// Code computes the RFC 4226 HOTP value for counter.
func Code(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%0*d", Digits, bin%1000000)
}

// Verify reports whether code matches secret at now or one step either side.
// On success the matched counter is returned so callers can reject replays.
func Verify(secret []byte, code string, now time.Time) (bool, uint64) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != Digits || !isDigits(trimmed) || len(secret) == 0 {
		return false, 0
	}

	base := Counter(now)
	for step := -Skew; step <= Skew; step++ {
		if step < 0 && base < uint64(-step) {
			continue
		}
		counter := base + uint64(int64(step))
		if subtle.ConstantTimeCompare([]byte(Code(secret, counter)), []byte(trimmed)) == 1 {
			return true, counter
		}
	}
	return false, 0
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
