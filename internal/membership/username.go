package membership

import (
	"crypto/md5"
	"encoding/hex"
)

// CreateUsername derives the deterministic local username for one external
// identity. The double-keyed form is current; both inputs must be
// non-empty for the user key to participate, mirroring the historical
// derivation exactly so existing accounts keep matching.
func CreateUsername(consumerKey, externalUserID string) string {
	userKey := ""
	if len(consumerKey) > 0 && len(externalUserID) > 0 {
		userKey = consumerKey + ":" + externalUserID
	}
	return "ltiprovider" + md5hex(consumerKey+"::"+userKey)
}

// LegacyUsername is the pre-migration single-keyed form. Accounts found
// under it are renamed to the current form on sight.
func LegacyUsername(consumerKey, externalUserID string) string {
	return "ltiprovider" + md5hex(consumerKey+":"+externalUserID)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
