// Package receipt implements canonical serialization and hashing for
// reproducible audit receipts.
//
// Every derived conclusion in labelwatch (alerts, derived-state receipts,
// the active configuration) is hashed through this package. The guarantee
// is referential transparency: identical logical inputs yield an identical
// hex digest across processes and restarts, so any conclusion can be
// re-derived and checked later.
package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize produces a deterministic byte encoding of a structured
// value: object keys sorted, compact separators, UTF-8 text. Semantically
// equal inputs canonicalize identically regardless of construction order.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	// Round-trip through an untyped tree so maps re-encode with sorted
	// keys and struct field order stops mattering. json.Number keeps the
	// original numeric text intact.
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode canonical tree: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode canonical tree: %w", err)
	}

	// json.Encoder appends a newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the hex-encoded SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and digests the result.
func HashValue(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// ConfigHash hashes the policy constants active at evaluation time.
func ConfigHash(config map[string]any) (string, error) {
	return HashValue(config)
}

// ReceiptHash computes the reproducible digest over a finding's rule,
// subject, time, inputs, and supporting evidence.
func ReceiptHash(ruleID, labelerDID, ts string, inputs map[string]any, evidenceHashes []string, configHash string) (string, error) {
	if evidenceHashes == nil {
		evidenceHashes = []string{}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload := map[string]any{
		"rule_id":         ruleID,
		"labeler_did":     labelerDID,
		"ts":              ts,
		"inputs":          inputs,
		"evidence_hashes": evidenceHashes,
		"config_hash":     configHash,
	}
	return HashValue(payload)
}
