// Copyright 2025 Relayforge
//
// Package canonicaljson implements the deterministic JSON encoding used to
// compute content hashes, reference hashes, and signatures over events.
// Two implementations of this encoder must always agree byte-for-byte on
// the same logical value, since the result crosses server boundaries.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Encode serializes v into the canonical form: UTF-8, object keys in
// lexicographic (byte-wise) order, no insignificant whitespace, integers in
// canonical form, and the shortest JSON-legal string escaping. v must be
// built from nil, bool, string, int, int64, uint64, float64 (integral
// values only), json.Number, map[string]interface{}, []interface{}, and
// []string; any other type is rejected. Normalize's output uses only a
// subset of these.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, val)
	case int:
		buf.WriteString(fmt.Sprintf("%d", val))
	case int64:
		buf.WriteString(fmt.Sprintf("%d", val))
	case uint64:
		buf.WriteString(fmt.Sprintf("%d", val))
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || math.IsNaN(val) {
			return fmt.Errorf("canonicaljson: non-integer number %v is not representable in canonical form", val)
		}
		buf.WriteString(fmt.Sprintf("%d", int64(val)))
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	case []string:
		arr := make([]interface{}, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return encodeArray(buf, arr)
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", v)
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("canonicaljson: %q is not a canonical integer: %w", n, err)
	}
	// Int64 round-trips cleanly, but the original literal may carry a
	// leading '+' or redundant zeros; re-emit through the parsed value so
	// two equal numbers always produce identical bytes.
	parsed, _ := n.Int64()
	buf.WriteString(fmt.Sprintf("%d", parsed))
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes a JSON string literal using the shortest escape form
// the grammar requires: '"' and '\\' are escaped, control characters use
// their short escapes where one exists (else \u00XX), and everything else
// -- including multi-byte UTF-8 -- is copied through unescaped.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// Normalize decodes raw JSON bytes into the value tree Encode expects,
// preserving the original textual form of numbers via json.Number so
// canonical integers round-trip exactly instead of passing through a
// lossy float64 conversion.
func Normalize(raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: invalid JSON: %w", err)
	}
	return v, nil
}

// contentHashPrunedKeys are removed (shallow) from the full event dict
// before computing the content hash.
var contentHashPrunedKeys = []string{
	"age_ts", "unsigned", "signatures", "hashes", "outlier", "destinations",
}

// PruneForContentHash returns a shallow copy of dict with the keys that
// must never participate in the content hash removed.
func PruneForContentHash(dict map[string]interface{}) map[string]interface{} {
	pruned := make(map[string]interface{}, len(dict))
	for k, v := range dict {
		pruned[k] = v
	}
	for _, k := range contentHashPrunedKeys {
		delete(pruned, k)
	}
	return pruned
}

// RedactionRules describes, per event type, the content keys that survive
// redaction. Types absent from ByType keep no content keys at all -- the
// same "whitelist or nothing" posture Matrix's redaction algorithm takes
// for event types it does not specifically recognize.
type RedactionRules struct {
	ByType map[string][]string
}

// DefaultRedactionRules returns the whitelist for the handful of
// state-event types this core understands structurally (room creation,
// membership, power levels, join rules, aliases, history visibility).
// Anything else redacts its content to empty.
func DefaultRedactionRules() RedactionRules {
	return RedactionRules{
		ByType: map[string][]string{
			"m.room.create":              {"creator"},
			"m.room.member":               {"membership"},
			"m.room.power_levels":         {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
			"m.room.join_rules":           {"join_rule"},
			"m.room.aliases":              {"aliases"},
			"m.room.history_visibility":   {"history_visibility"},
		},
	}
}

// FilterContent keeps only the whitelisted keys of content for the given
// event type, per rules. An unrecognized type yields an empty object, not
// an error -- the safe default for redaction.
func FilterContent(rules RedactionRules, eventType string, content map[string]interface{}) map[string]interface{} {
	allowed, ok := rules.ByType[eventType]
	filtered := map[string]interface{}{}
	if !ok {
		return filtered
	}
	for _, k := range allowed {
		if v, present := content[k]; present {
			filtered[k] = v
		}
	}
	return filtered
}

// referenceKeys are the fields PruneForReference keeps from the full event
// dict -- the minimal set identifying the event and preserving DAG
// structure.
var referenceKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key",
	"prev_events", "auth_events", "depth", "origin", "origin_server_ts",
}

// PruneForReference reduces a full event dict to the minimal
// redaction-safe form used for reference hashing: the identifying and
// structural fields, content filtered to the per-type whitelist in rules,
// with signatures/age_ts/unsigned stripped.
func PruneForReference(fullDict map[string]interface{}, eventType string, rules RedactionRules) map[string]interface{} {
	pruned := map[string]interface{}{}
	for _, k := range referenceKeys {
		if v, ok := fullDict[k]; ok {
			pruned[k] = v
		}
	}
	content, _ := fullDict["content"].(map[string]interface{})
	pruned["content"] = FilterContent(rules, eventType, content)
	return PruneReferenceDict(pruned)
}

// referencePrunedKeys are stripped in addition to the redaction whitelist
// (spec step: "additionally strip signatures, age_ts, unsigned").
var referencePrunedKeys = []string{"signatures", "age_ts", "unsigned"}

// PruneReferenceDict applies the final defensive strip to an
// already-redacted reference dict.
func PruneReferenceDict(dict map[string]interface{}) map[string]interface{} {
	pruned := make(map[string]interface{}, len(dict))
	for k, v := range dict {
		pruned[k] = v
	}
	for _, k := range referencePrunedKeys {
		delete(pruned, k)
	}
	return pruned
}

// Equal reports whether a and b, once canonically encoded, produce
// identical bytes -- the semantic-JSON-equality property CanonicalEncode
// is required to satisfy.
func Equal(a, b interface{}) (bool, error) {
	ea, err := Encode(a)
	if err != nil {
		return false, err
	}
	eb, err := Encode(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}
