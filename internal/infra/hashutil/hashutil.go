// Package hashutil produces deterministic digests for argument maps
// and credential sets. Hashes are key-order independent: maps are
// canonicalized before digesting.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ArgsHash returns a stable digest of an argument map. Two maps with
// the same keys and values hash identically regardless of insertion
// order, including in nested maps.
func ArgsHash(args map[string]any) (string, error) {
	canonical, err := canonicalize(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint digests a credential map into an opaque session-pool key.
// Only the digest is retained; credential values never appear in keys
// or logs.
func Fingerprint(connectorID string, creds map[string]string) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(connectorID)
	for _, k := range keys {
		sb.WriteByte(0)
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.WriteString(creds[k])
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

// canonicalize renders a value as JSON with all object keys sorted.
func canonicalize(value any) ([]byte, error) {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			sb.Write(keyJSON)
			sb.WriteByte(':')
			valJSON, err := canonicalize(typed[k])
			if err != nil {
				return nil, err
			}
			sb.Write(valJSON)
		}
		sb.WriteByte('}')
		return []byte(sb.String()), nil
	case []any:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				sb.WriteByte(',')
			}
			itemJSON, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			sb.Write(itemJSON)
		}
		sb.WriteByte(']')
		return []byte(sb.String()), nil
	default:
		return json.Marshal(typed)
	}
}
