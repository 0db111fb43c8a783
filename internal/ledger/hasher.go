package ledger

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// Supported hash algorithm identifiers. Both produce 32-byte digests so the
// chain layout is independent of the configured algorithm.
const (
	AlgoSHA256    = "sha256"
	AlgoSHA512256 = "sha512_256"
)

// maxCanonicalDepth bounds payload nesting. Cyclic structures recurse forever
// otherwise; anything this deep is rejected as not canonically representable.
const maxCanonicalDepth = 64

// Hasher computes deterministic content hashes over a snapshot's declared
// fields. Identical logical content yields an identical digest across
// process restarts and platforms: map keys are sorted, numbers use a fixed
// representation, and no iteration-order-dependent input is hashed.
type Hasher struct {
	algo string
}

// NewHasher returns a hasher for the given algorithm identifier.
// An empty identifier selects SHA-256.
func NewHasher(algo string) (*Hasher, error) {
	switch algo {
	case "", AlgoSHA256:
		return &Hasher{algo: AlgoSHA256}, nil
	case AlgoSHA512256:
		return &Hasher{algo: AlgoSHA512256}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

// Algorithm returns the configured algorithm identifier.
func (h *Hasher) Algorithm() string {
	return h.algo
}

func (h *Hasher) newDigest() hash.Hash {
	if h.algo == AlgoSHA512256 {
		return sha512.New512_256()
	}
	return sha256.New()
}

// HashSnapshot computes the content hash over every snapshot field except
// ContentHash itself: parent_hash || sequence || timestamp || schema_version
// || canonical(payload). The stored ContentHash field is ignored, so the
// digest is reproducible from the snapshot's own declared fields.
func (h *Hasher) HashSnapshot(s *Snapshot) ([32]byte, error) {
	payload, err := CanonicalPayload(s.Payload)
	if err != nil {
		return [32]byte{}, err
	}

	d := h.newDigest()
	d.Write(s.ParentHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.Sequence)
	d.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(s.Timestamp.UTC().UnixMicro()))
	d.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(len(s.SchemaVersion)))
	d.Write(buf[:])
	d.Write([]byte(s.SchemaVersion))

	d.Write(payload)

	var out [32]byte
	copy(out[:], d.Sum(nil))
	return out, nil
}

// CanonicalPayload serializes a payload into deterministic bytes: valid JSON
// with lexicographically sorted keys and fixed numeric formatting. The output
// must decode back into the same payload, so strings use JSON escaping and
// invalid UTF-8 is rejected rather than silently replaced.
// Returns ErrSerialization for values that have no canonical representation.
func CanonicalPayload(p Payload) ([]byte, error) {
	return appendCanonical(nil, map[string]any(p), 0)
}

func appendCanonical(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxCanonicalDepth {
		return nil, fmt.Errorf("%w: nesting exceeds depth %d (cyclic structure?)", ErrSerialization, maxCanonicalDepth)
	}

	switch x := v.(type) {
	case nil:
		return append(buf, "null"...), nil

	case bool:
		if x {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil

	case string:
		return appendCanonicalString(buf, x)

	case int:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int8:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int16:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(buf, x, 10), nil
	case uint:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint8:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint16:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint32:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint64:
		return strconv.AppendUint(buf, x, 10), nil

	case float32:
		return appendCanonicalFloat(buf, float64(x))
	case float64:
		return appendCanonicalFloat(buf, x)

	case json.Number:
		// Already a decimal literal; appended verbatim so payloads decoded
		// from storage re-canonicalize to the exact bytes that were hashed.
		return append(buf, x.String()...), nil

	case time.Time:
		return appendCanonicalString(buf, x.UTC().Format(time.RFC3339Nano))

	case []byte:
		buf = append(buf, '"')
		buf = append(buf, hex.EncodeToString(x)...)
		return append(buf, '"'), nil

	case []any:
		buf = append(buf, '[')
		for i, e := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e, depth+1)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil

	case Payload:
		return appendCanonicalMap(buf, map[string]any(x), depth)
	case map[string]any:
		return appendCanonicalMap(buf, x, depth)

	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrSerialization, v)
	}
}

func appendCanonicalFloat(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float %v", ErrSerialization, f)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64), nil
}

// appendCanonicalString emits a JSON string literal. Go quoting (strconv)
// would produce escapes like \a and \x that no JSON decoder accepts, which
// would make a persisted payload unreadable on reload. Invalid UTF-8 is
// rejected: encoding/json replaces it with U+FFFD, so it cannot round-trip
// through storage losslessly.
func appendCanonicalString(buf []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrSerialization)
	}

	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, fmt.Sprintf(`\u%04x`, r)...)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return append(buf, '"'), nil
}

func appendCanonicalMap(buf []byte, m map[string]any, depth int) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendCanonicalString(buf, k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ':')
		buf, err = appendCanonical(buf, m[k], depth+1)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}
