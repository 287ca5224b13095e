package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Display returns a copy suitable for showing to operators. A redacted
// entry has its identity references replaced with salted hashes; the
// stored entry, and therefore its hash, is unchanged.
func Display(e Entry, salt []byte) Entry {
	if !e.Redacted {
		return e
	}
	e.ActorID = hashString(e.ActorID, salt)
	e.IdentityID = hashString(e.IdentityID, salt)
	e.AssetID = hashString(e.AssetID, salt)
	e.RequestID = hashString(e.RequestID, salt)
	return e
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
