// Package codec encodes submission payloads for local persistence.
//
// Records store their form and conflict snapshots as CBOR using Core
// Deterministic Encoding (RFC 8949 §4.2), so the same logical form always
// produces identical bytes. FieldsFingerprint builds on that to tell whether
// the server already holds a capture.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Server snapshots are decoded into map[string]any and later
		// served as JSON, which cannot carry interface-keyed maps.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding. Struct fields
// fall back to their json tags when no cbor tag is present.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Fingerprint returns the hex BLAKE3 digest of v's deterministic encoding.
func Fingerprint(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FieldsFingerprint fingerprints a wire field mapping. Values pass through
// JSON first, so numbers hash by value whatever type decoded them.
func FieldsFingerprint(fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", err
	}
	return Fingerprint(normalized)
}
