package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainSetup separates setup fingerprints from any other hash in the system.
const DomainSetup = "rowsync/setup/v1"

// Fingerprint returns a stable hash of the setup: tables, columns, types,
// primary keys and filter definitions. Filter parameter values are not part
// of it; two peers with the same fingerprint agree on what is synchronized.
func (s *Setup) Fingerprint() (string, error) {
	tables := make([]any, 0, len(s.Tables))
	for _, t := range s.Tables {
		cols := make([]any, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, map[string]any{
				"name":     c.Name,
				"type":     string(c.Type),
				"nullable": c.Nullable,
			})
		}
		pk := make([]any, 0, len(t.PrimaryKey))
		for _, k := range t.PrimaryKey {
			pk = append(pk, k)
		}
		obj := map[string]any{
			"name":        t.Name,
			"schema":      t.Schema,
			"columns":     cols,
			"primary_key": pk,
		}
		if t.Filter != nil {
			params := make([]any, 0, len(t.Filter.Params))
			for _, p := range t.Filter.Params {
				params = append(params, p)
			}
			obj["filter"] = map[string]any{"where": t.Filter.Where, "params": params}
		}
		tables = append(tables, obj)
	}

	canonical, err := MarshalCanonical(map[string]any{"tables": tables})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainSetup, canonical), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCanonical produces RFC 8785 style canonical JSON for strings,
// integers, booleans, arrays and objects. Object keys are ordered by UTF-16
// code units and strings are NFC normalized. Floats and null are rejected.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		writeCanonicalString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// writeCanonicalString escapes only quote, backslash and control characters.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
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
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
