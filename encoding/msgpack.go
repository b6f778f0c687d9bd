// Package encoding is the single msgpack entry point for the cluster: wire
// messages, persisted configurations and client-facing config headers all
// go through it.
//
// Marshal and Unmarshal are safe for concurrent use. Map keys are sorted so
// equal values always encode to equal bytes.
package encoding

import (
	"bytes"
	"encoding/base64"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// MarshalBase64 encodes v as msgpack and then as standard base64, the form
// used in HTTP headers.
func MarshalBase64(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// UnmarshalBase64 reverses MarshalBase64.
func UnmarshalBase64(s string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return Unmarshal(data, v)
}

// Fingerprint hashes the canonical encoding of v.
func Fingerprint(v interface{}) (uint64, error) {
	data, err := Marshal(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
