package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const recordFormatVersion = 1

// ErrCorrupt is returned when a stored record cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

// Encode serializes r into the compact binary record format:
//
//	[version][id][username][label][access][refresh][accessExp int64][refreshExp int64][fingerprint 64]
//
// Strings are prefixed with a big-endian uint16 length.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	var buf bytes.Buffer
	buf.WriteByte(recordFormatVersion)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"id", r.ID},
		{"username", r.Username},
		{"label", r.Label},
		{"access token", r.AccessToken},
		{"refresh token", r.RefreshToken},
	} {
		if err := writeString(&buf, field.name, field.value); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, r.AccessExpiry.Unix()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.RefreshExpiry.Unix()); err != nil {
		return nil, err
	}
	buf.Write(r.RefreshFingerprint[:])

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if version != recordFormatVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrCorrupt, version)
	}

	r := &Record{}
	for _, dst := range []*string{&r.ID, &r.Username, &r.Label, &r.AccessToken, &r.RefreshToken} {
		s, err := readString(reader)
		if err != nil {
			return nil, err
		}
		*dst = s
	}

	var accessExp, refreshExp int64
	if err := binary.Read(reader, binary.BigEndian, &accessExp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := binary.Read(reader, binary.BigEndian, &refreshExp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r.AccessExpiry = time.Unix(accessExp, 0).UTC()
	r.RefreshExpiry = time.Unix(refreshExp, 0).UTC()

	if _, err := io.ReadFull(reader, r.RefreshFingerprint[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, reader.Len())
	}

	return r, nil
}

func writeString(buf *bytes.Buffer, name, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%s too long", name)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return string(b), nil
}
