package tool

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

type domainKey [32]byte

// Changing a key invalidates every stored hash in that domain.
var (
	contentDomainKey = domainKey{
		't', 'o', 'o', 'l', 'f', 'o', 'r', 'g', 'e', '.', 'c', 'o', 'n', 't', 'e', 'n',
		't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	schemaDomainKey = domainKey{
		't', 'o', 'o', 'l', 'f', 'o', 'r', 'g', 'e', '.', 's', 'c', 'h', 'e', 'm', 'a',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key domainKey, parts ...[]byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("tool: blake3 keyed hash initialization failed: " + err.Error())
	}
	var size [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		hasher.Write(size[:])
		hasher.Write(part)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// ContentHash fingerprints the executable part of a version.
func ContentHash(entrypoint, source string) string {
	return keyedHash(contentDomainKey, []byte(entrypoint), []byte(source))
}

// SchemaHash fingerprints a JSON schema by its canonical encoding, so key
// order and whitespace do not matter.
func SchemaHash(schema json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(schema)
	if err != nil {
		return "", err
	}
	return keyedHash(schemaDomainKey, canonical), nil
}

// CanonicalJSON re-encodes raw JSON with sorted keys and no insignificant
// whitespace. Empty input canonicalizes to null.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode canonical json: %w", err)
	}
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := appendCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode canonical json: %w", err)
		}
		buf.Write(encoded)
	}
	return nil
}
