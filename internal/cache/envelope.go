package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// wire form of an Entry; payload bytes are carried verbatim
type envelope struct {
	V         uint8
	Key       string
	Payload   []byte
	WrittenAt int64
	ExpiresAt int64
}

const envelopeVersion = 1

// Encode serializes an entry for byte-oriented backends.
func Encode(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(envelope{
		V:         envelopeVersion,
		Key:       e.Key,
		Payload:   e.Payload,
		WrittenAt: e.WrittenAt.UnixNano(),
		ExpiresAt: e.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry %q: %w", e.Key, err)
	}
	return buf.Bytes(), nil
}

func Decode(b []byte) (Entry, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if env.V != envelopeVersion {
		return Entry{}, fmt.Errorf("decode entry: unsupported envelope version %d", env.V)
	}
	return Entry{
		Key:       env.Key,
		Payload:   env.Payload,
		WrittenAt: unixNano(env.WrittenAt),
		ExpiresAt: unixNano(env.ExpiresAt),
	}, nil
}
