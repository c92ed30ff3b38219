package oasis

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
)

// Address is the canonical identifier of a registered instance: the SHA-256
// digest of its coordinate's canonical serialization. On the wire it travels
// as 64 hex characters.
type Address [sha256.Size]byte

// ZeroAddress is the all-zero address. It never identifies a registered
// instance.
var ZeroAddress Address

func (a Address) String() string { return hex.EncodeToString(a[:]) }

func (a Address) IsZero() bool { return a == ZeroAddress }

// Equal reports byte-for-byte equality.
func (a Address) Equal(b Address) bool { return a == b }

// MarshalText renders the address as lowercase hex, which also makes it a
// valid JSON map key.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses 64 hex characters.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-hex-character address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, Errf(KindInvalidInput, "address %q is not valid hex", s)
	}
	if len(raw) != sha256.Size {
		return a, Errf(KindInvalidInput, "address must be %d bytes, got %d", sha256.Size, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// EncodeAddress computes the canonical address of a coordinate along with
// the canonical bytes that were hashed. It is pure: two coordinates with
// identical fields produce identical bytes across processes.
//
// The canonical form is a JSON object with lowercased keys in fixed ASCII
// order and no whitespace. Strings use standard JSON escaping; integers are
// rendered base-10 with no sign for zero.
func EncodeAddress(c Coordinate) (Address, []byte, error) {
	if err := c.Validate(); err != nil {
		return Address{}, nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeStringField(&buf, "adjacency", c.Adjacency)
	buf.WriteByte(',')
	writeIntField(&buf, "density", c.Density)
	buf.WriteByte(',')
	writeStringField(&buf, "horizon", string(c.Horizon))
	buf.WriteByte(',')
	writeIntField(&buf, "lineage", c.Lineage)
	buf.WriteByte(',')
	writeStringField(&buf, "realm_id", c.RealmID)
	buf.WriteByte(',')
	writeStringField(&buf, "realm_type", c.RealmType)
	buf.WriteByte(',')
	writeStringField(&buf, "resonance", c.Resonance)
	buf.WriteByte('}')

	canonical := buf.Bytes()
	return Address(sha256.Sum256(canonical)), canonical, nil
}

func writeStringField(buf *bytes.Buffer, key, val string) {
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	// json.Marshal of a string never fails and applies standard escaping,
	// keeping the canonical form identical to what any JSON encoder produces.
	escaped, _ := json.Marshal(val)
	buf.Write(escaped)
}

func writeIntField(buf *bytes.Buffer, key string, val int) {
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	buf.WriteString(strconv.Itoa(val))
}

// canonicalFloat renders a float with exactly 8 decimal places using
// banker's rounding. Coordinates carry no float fields today; future
// dimensions must go through this helper so addresses stay stable across
// implementations.
func canonicalFloat(f float64) string {
	scaled := math.RoundToEven(f * 1e8)
	return strconv.FormatFloat(scaled/1e8, 'f', 8, 64)
}
