package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainCheckpoint = "lockstep/checkpoint/v1"
	DomainSession    = "lockstep/session/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckpointID computes the content-addressed ID of a checkpoint.
// The participant order does not affect the ID.
func CheckpointID(session string, epoch int64, participants []ProcessID) (string, error) {
	sorted := make([]ProcessID, len(participants))
	copy(sorted, participants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	canonical, err := MarshalCanonical(map[string]any{
		"session":      session,
		"epoch":        epoch,
		"participants": sorted,
	})
	if err != nil {
		return "", fmt.Errorf("CheckpointID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCheckpoint, canonical), nil
}

// ShortID returns the first 12 hex characters of a content-addressed ID
// for display.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
