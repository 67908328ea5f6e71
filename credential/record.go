// Package credential stores the durable secret material backing one user's
// use of one verification method: a TOTP seed, a set of hashed single-use
// recovery codes, or a security-key credential descriptor. A user holds at
// most one active record per method.
//
// Two backends are provided: RedisStore and PostgresStore. Both guarantee
// that single-use consumption is atomic with the success decision and that
// creating a record for a (user, method) pair that already has one fails
// with ErrExists instead of overwriting.
package credential

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersion1 = 1

// Record is the durable secret record for one (user, method) pair.
// Secret is method-specific: the raw seed for time-based codes, an encoded
// code-entry list for recovery codes, an opaque public-key credential
// descriptor for security keys. Counter is only meaningful for time-based
// codes, where it carries the last accepted time-step.
type Record struct {
	UserID     string
	MethodType string
	Secret     []byte
	Counter    int64
	CreatedAt  int64
	LastUsedAt int64
}

func encodeRecord(rec *Record) ([]byte, error) {
	if len(rec.Secret) > 65535 {
		return nil, errors.New("credential secret too large")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersion1)
	if err := binary.Write(&buf, binary.BigEndian, rec.Counter); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.LastUsedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.Secret))); err != nil {
		return nil, err
	}
	buf.Write(rec.Secret)
	return buf.Bytes(), nil
}

func decodeRecord(userID, methodType string, data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion1 {
		return nil, errors.New("invalid credential record version")
	}

	rec := &Record{UserID: userID, MethodType: methodType}
	if err := binary.Read(reader, binary.BigEndian, &rec.Counter); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.LastUsedAt); err != nil {
		return nil, err
	}

	var secretLen uint16
	if err := binary.Read(reader, binary.BigEndian, &secretLen); err != nil {
		return nil, err
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, err
	}
	rec.Secret = secret
	return rec, nil
}
