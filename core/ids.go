// Package core implements the validator-writer-stabilizer-AA pipeline of a
// DAG-based distributed ledger node: canonical hashing, storage, graph
// traversal, validation, writing, stabilization and the autonomous-agent
// interpreter described by the node's core specification.
package core

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	b32 "github.com/multiformats/go-base32"
)

// HashSize is the raw byte length of a unit or ball hash.
const HashSize = 32

// AddressRawSize is the number of raw bytes (payload + checksum) encoded
// into the 32-character base32 address fingerprint.
const (
	addressPayloadSize  = 15
	addressChecksumSize = 5
	AddressRawSize      = addressPayloadSize + addressChecksumSize // 20
)

// Hash32 is a 32-byte cryptographic digest, rendered on the wire as a
// 44-character standard base64 string.
type Hash32 [HashSize]byte

// String renders the hash the way it travels on the wire: standard base64,
// padded, 44 characters.
func (h Hash32) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (used for "no last ball" etc).
func (h Hash32) IsZero() bool { return h == Hash32{} }

// ParseHash32 decodes a 44-character base64 unit/ball identifier.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("ids: malformed hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("ids: hash %q decodes to %d bytes, want %d", s, len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// sha256Of is the single place raw digests are computed, so every caller
// agrees on the hash primitive used for unit_id, ball, and address
// derivation.
func sha256Of(parts...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Address32 is a 20-byte checksummed fingerprint of a definition, rendered
// as a 32-character base32 string.
type Address32 [AddressRawSize]byte

func (a Address32) String() string {
	return b32.RawStdEncoding.EncodeToString(a[:])
}

// ParseAddress32 decodes and checksum-validates a 32-character base32
// address.
func ParseAddress32(s string) (Address32, error) {
	var a Address32
	if len(s) != 32 {
		return a, fmt.Errorf("ids: address %q has length %d, want 32", s, len(s))
	}
	raw, err := b32.RawStdEncoding.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("ids: malformed address %q: %w", s, err)
	}
	if len(raw) != AddressRawSize {
		return a, fmt.Errorf("ids: address %q decodes to %d bytes, want %d", s, len(raw), AddressRawSize)
	}
	copy(a[:], raw)
	if !verifyAddressChecksum(a) {
		return a, fmt.Errorf("ids: address %q fails checksum", s)
	}
	return a, nil
}

func verifyAddressChecksum(a Address32) bool {
	payload := a[:addressPayloadSize]
	want := sha256Of(payload)
	return string(want[:addressChecksumSize]) == string(a[addressPayloadSize:])
}

// AddressFromDefinition derives the checksummed address of a definition.
// The definition is canonically encoded first so any two
// byte-different-but-semantically-equal JSON representations collapse to
// the same address.
func AddressFromDefinition(defn interface{}) (Address32, error) {
	canon, err := CanonicalEncode(defn, true)
	if err != nil {
		return Address32{}, fmt.Errorf("ids: canonicalize definition: %w", err)
	}
	digest := sha256Of(canon)
	var a Address32
	copy(a[:addressPayloadSize], digest[:addressPayloadSize])
	check := sha256Of(a[:addressPayloadSize])
	copy(a[addressPayloadSize:], check[:addressChecksumSize])
	return a, nil
}

// CanonicalEncode produces the deterministic byte encoding used for both
// hashing and commission-size accounting. Object keys are
// sorted; when withKeys is false, key names are omitted from the byte
// stream (used for the "without keys" commission calculation).
func CanonicalEncode(v interface{}, withKeys bool) ([]byte, error) {
	var buf []byte
	if err := canonicalEncodeInto(&buf, v, withKeys); err != nil {
		return nil, err
	}
	return buf, nil
}

func canonicalEncodeInto(buf *[]byte, v interface{}, withKeys bool) error {
	switch val := v.(type) {
	case nil:
		*buf = append(*buf, "null"...)
		return nil
	case bool:
		if val {
			*buf = append(*buf, "true"...)
		} else {
			*buf = append(*buf, "false"...)
		}
		return nil
	case string:
		*buf = append(*buf, '"')
		*buf = append(*buf, val...)
		*buf = append(*buf, '"')
		return nil
	case []byte:
		*buf = append(*buf, base64.StdEncoding.EncodeToString(val)...)
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		*buf = append(*buf, '{')
		for i, k := range keys {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			if withKeys {
				*buf = append(*buf, '"')
				*buf = append(*buf, k...)
				*buf = append(*buf, '"', ':')
			}
			if err := canonicalEncodeInto(buf, val[k], withKeys); err != nil {
				return err
			}
		}
		*buf = append(*buf, '}')
		return nil
	case []interface{}:
		*buf = append(*buf, '[')
		for i, e := range val {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			if err := canonicalEncodeInto(buf, e, withKeys); err != nil {
				return err
			}
		}
		*buf = append(*buf, ']')
		return nil
	default:
		return canonicalEncodeReflect(buf, v, withKeys)
	}
}

// canonicalEncodeReflect handles numbers and plain structs via reflection so
// callers can pass either decoded JSON (map[string]interface{}) or typed Go
// values (e.g. a Definition) to CanonicalEncode.
func canonicalEncodeReflect(buf *[]byte, v interface{}, withKeys bool) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		*buf = append(*buf, strconv.FormatInt(rv.Int(), 10)...)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		*buf = append(*buf, strconv.FormatUint(rv.Uint(), 10)...)
		return nil
	case reflect.Float32, reflect.Float64:
		*buf = append(*buf, strconv.FormatFloat(rv.Float(), 'g', -1, 64)...)
		return nil
	case reflect.Slice, reflect.Array:
		*buf = append(*buf, '[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			if err := canonicalEncodeInto(buf, rv.Index(i).Interface(), withKeys); err != nil {
				return err
			}
		}
		*buf = append(*buf, ']')
		return nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			*buf = append(*buf, "null"...)
			return nil
		}
		return canonicalEncodeInto(buf, rv.Elem().Interface(), withKeys)
	case reflect.Struct:
		t := rv.Type()
		fields := make(map[string]interface{}, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Tag.Get("json")
			if name == "" || name == "-" {
				name = f.Name
			}
			fields[name] = rv.Field(i).Interface()
		}
		return canonicalEncodeInto(buf, fields, withKeys)
	default:
		return fmt.Errorf("ids: cannot canonically encode value of kind %s", rv.Kind())
	}
}
