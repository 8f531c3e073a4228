package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintLen is the number of hex characters kept from the digest.
// 128 bits is plenty for dedup identity and keeps the index compact.
const fingerprintLen = 32

// Fingerprint derives the dedup identity for an alert from its source system
// and correlation key. Raise and clear events that describe the same condition
// must produce the same fingerprint, so the key never encodes state.
func Fingerprint(source, correlationKey string) string {
	sum := sha256.Sum256([]byte(source + ":" + correlationKey))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// ExpandCorrelationKey fills the placeholders a trap mapping's correlation
// template may carry. Unknown placeholders are left as-is so a misconfigured
// template still yields a stable (if ugly) key.
func ExpandCorrelationKey(template string, ev TrapFacts) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{source_ip}", ev.SourceIP,
		"{object_id}", ev.ObjectID,
		"{object_type}", ev.ObjectType,
		"{alarm_id}", ev.AlarmID,
		"{trap_oid}", ev.TrapOID,
	)
	return r.Replace(template)
}

// TrapFacts is the subset of a trap event the correlation template can
// reference.
type TrapFacts struct {
	SourceIP   string
	TrapOID    string
	ObjectType string
	ObjectID   string
	AlarmID    string
}

// Slug lowercases a free-form source label and collapses everything outside
// [a-z0-9] into single underscores, for use inside alert_type values.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
