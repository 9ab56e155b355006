package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns a deterministic serialization of a JSON-like payload:
// object keys sorted at every depth, arrays in order, RFC 8785 number
// formatting. Two semantically identical payloads serialize identically
// regardless of key order or numeric representation.
//
// Non-serializable values (functions, channels) are dropped from objects and
// become null inside arrays. Non-finite floats become null. time.Time values
// are encoded as RFC 3339 UTC strings and []byte as base64.
func Canonicalize(payload any) string {
	normalized, ok := normalize(payload)
	if !ok {
		return "null"
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "null"
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Hash returns the hex-encoded SHA-256 of the canonical form.
func Hash(payload any) string {
	sum := sha256.Sum256([]byte(Canonicalize(payload)))
	return hex.EncodeToString(sum[:])
}

// normalize converts payload into a plain JSON value tree. The second return
// is false when the value cannot be represented in JSON at all.
func normalize(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t, true
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case []byte:
		return base64.StdEncoding.EncodeToString(t), true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			nv, ok := normalize(vv)
			if !ok {
				continue // absent field
			}
			out[k] = nv
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			nv, ok := normalize(vv)
			if !ok {
				nv = nil
			}
			out[i] = nv
		}
		return out, true
	default:
		// Typed maps, slices and structs take the JSON round trip; anything
		// json cannot marshal is reported as unrepresentable.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, false
		}
		return normalize(decoded)
	}
}

func normalizeFloat(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, true
	}
	return f, true
}
