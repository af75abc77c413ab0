package resolver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ComputeRequestHash returns a deterministic digest of the request
// context: canonical JSON (sorted keys, no whitespace) hashed with
// SHA-256 and truncated to 16 hex characters. It is a cache-key
// discriminator, not a security control.
func ComputeRequestHash(requestContext map[string]interface{}) string {
	data, err := serializeCanonical(requestContext)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// serializeCanonical produces a canonical JSON serialization with
// sorted keys and no whitespace, suitable for hashing.
func serializeCanonical(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(canonicalize(m))
}

func canonicalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		// A nil map serializes as {} so nil and empty contexts hash
		// identically.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{Key: k, Value: canonicalize(v[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return value
	}
}

type keyValue struct {
	Key   string
	Value interface{}
}

// orderedMap serializes as a JSON object preserving element order.
type orderedMap []keyValue

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
