package credential

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const codeSetVersion1 = 1

// CodeEntry is one slot of a fixed-size single-use code set. Only the hash
// of the code is stored; Used flips to true exactly once, when the code is
// consumed, and never flips back.
type CodeEntry struct {
	Hash [32]byte
	Used bool
}

// EncodeCodeEntries serializes a code set into a Record secret blob.
func EncodeCodeEntries(entries []CodeEntry) ([]byte, error) {
	if len(entries) > 65535 {
		return nil, errors.New("code set too large")
	}

	var buf bytes.Buffer
	buf.WriteByte(codeSetVersion1)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		buf.Write(e.Hash[:])
		if e.Used {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

// DecodeCodeEntries parses a Record secret blob back into a code set.
func DecodeCodeEntries(data []byte) ([]CodeEntry, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != codeSetVersion1 {
		return nil, errors.New("invalid code set version")
	}

	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	entries := make([]CodeEntry, count)
	for i := range entries {
		if _, err := io.ReadFull(reader, entries[i].Hash[:]); err != nil {
			return nil, err
		}
		used, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		entries[i].Used = used == 1
	}
	return entries, nil
}

// consumeEntry marks the first unused entry matching hash as used in place.
// It reports whether a match was consumed.
func consumeEntry(entries []CodeEntry, hash [32]byte) bool {
	for i := range entries {
		if entries[i].Used {
			continue
		}
		if entries[i].Hash == hash {
			entries[i].Used = true
			return true
		}
	}
	return false
}

// Remaining counts the entries still consumable.
func Remaining(entries []CodeEntry) int {
	n := 0
	for _, e := range entries {
		if !e.Used {
			n++
		}
	}
	return n
}
