package budget

import (
	"net"
	"strings"
	"unicode/utf8"
)

const maxFingerprintLen = 128

// Identity is the key budgets are tracked under, plus the tier it maps to.
type Identity struct {
	Key  string `json:"identity"`
	Tier Tier   `json:"tier"`
}

// ResolveIdentity picks the budget identity for a caller. A verified user id
// wins, then a client-supplied device fingerprint, then the network address.
func ResolveIdentity(userID, fingerprint, remoteAddr string) Identity {
	if userID = strings.TrimSpace(userID); userID != "" {
		return Identity{Key: "user:" + userID, Tier: TierVerified}
	}
	if fingerprint = strings.TrimSpace(fingerprint); fingerprint != "" {
		if len(fingerprint) > maxFingerprintLen {
			n := maxFingerprintLen
			for n > 0 && !utf8.RuneStart(fingerprint[n]) {
				n--
			}
			fingerprint = fingerprint[:n]
		}
		return Identity{Key: "device:" + fingerprint, Tier: TierAnonymous}
	}
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return Identity{Key: "ip:" + host, Tier: TierAnonymous}
}

// IdentityFromKey recovers the tier of a stored identity key.
func IdentityFromKey(key string) Identity {
	if strings.HasPrefix(key, "user:") || strings.HasPrefix(key, "mcp:") {
		return Identity{Key: key, Tier: TierVerified}
	}
	return Identity{Key: key, Tier: TierAnonymous}
}
