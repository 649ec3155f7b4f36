// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization with protocol domain separation, so a signature computed
// over one artifact class can never be replayed as a signature over another.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// Domain tags a canonicalized payload with the artifact class it belongs to.
// Every signature in this system is computed over canonicalize(domain, v),
// never over raw caller-supplied bytes.
type Domain string

const (
	DomainCapDoc        Domain = "capdoc"
	DomainReceipt       Domain = "receipt"
	DomainActionRequest Domain = "actionrequest"
)

const protocolVersion = "0.1"

// Canonicalize returns domain_prefix(d) ‖ stable_json(v), where stable_json
// is the RFC 8785 canonical form: object keys sorted byte-wise, no
// insignificant whitespace, UTF-8 output, arrays left in order.
//
// Non-finite float64 values and anything json.Marshal cannot encode are
// rejected rather than silently coerced. Integer magnitude is not checked:
// integers outside the JSON-safe range (±2^53-1) are not rejected, and
// struct values are accepted as long as they marshal.
func Canonicalize(d Domain, v interface{}) ([]byte, error) {
	if err := rejectNonFinite(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	stable, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}

	prefix := domainPrefix(d)
	out := make([]byte, 0, len(prefix)+len(stable))
	out = append(out, prefix...)
	out = append(out, stable...)
	return out, nil
}

// String is a convenience wrapper returning the canonical form as a string.
func String(d Domain, v interface{}) (string, error) {
	b, err := Canonicalize(d, v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func domainPrefix(d Domain) string {
	return fmt.Sprintf("capnet:%s/%s:", d, protocolVersion)
}

// rejectNonFinite walks v looking for float64 or json.Number values that
// are not finite, safe numbers. json.Marshal refuses NaN/+Inf/-Inf on its
// own; this pass additionally catches json.Number strings that parse to
// nothing usable before they reach the signing surface.
func rejectNonFinite(v interface{}) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("non-finite number is not representable")
		}
	case json.Number:
		// json.Number is a string; Float64()/Int64() below validate it
		// parses as an ordinary number without silently truncating.
		if _, err := t.Int64(); err != nil {
			if f, ferr := t.Float64(); ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("number %q is not a finite, safe-integer-or-float value", t.String())
			}
		}
	case map[string]interface{}:
		for _, vv := range t {
			if err := rejectNonFinite(vv); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, vv := range t {
			if err := rejectNonFinite(vv); err != nil {
				return err
			}
		}
	}
	return nil
}

// EqualIgnoringKeyOrder reports whether two JSON-compatible values
// canonicalize to the same bytes under the given domain.
func EqualIgnoringKeyOrder(d Domain, a, b interface{}) (bool, error) {
	ca, err := Canonicalize(d, a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(d, b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
