package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the prev_hash of the first event in a new chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// eventBody is the canonical hashed content of an event. Details are
// embedded as the exact JSON string persisted in the details column, so
// append and verify hash the same bytes without a decode round trip
// that would reshape values (JSON decoding turns every number into a
// float64, which does not survive for integers past 2^53).
type eventBody struct {
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	TrustLevel string          `json:"trust_level"`
	Details    json.RawMessage `json:"details"`
	Timestamp  string          `json:"timestamp"`
}

// canonicalDetails marshals details into the JSON string that is both
// hashed and stored.
func canonicalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func canonicalBody(action, actor, trustLevel, detailsJSON, timestamp string) ([]byte, error) {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	return json.Marshal(eventBody{
		Action:     action,
		Actor:      actor,
		TrustLevel: trustLevel,
		Details:    json.RawMessage(detailsJSON),
		Timestamp:  timestamp,
	})
}

// computeHash derives an event's chain hash:
// sha256(sequence | prev_hash | canonical body).
func computeHash(seq int64, prevHash string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|", seq, prevHash)
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// hashRow computes the chain hash over a persisted row's columns.
func hashRow(seq int64, prevHash, action, actor, trustLevel, detailsJSON, timestamp string) (string, error) {
	body, err := canonicalBody(action, actor, trustLevel, detailsJSON, timestamp)
	if err != nil {
		return "", fmt.Errorf("canonicalizing event %d: %w", seq, err)
	}
	return computeHash(seq, prevHash, body), nil
}
