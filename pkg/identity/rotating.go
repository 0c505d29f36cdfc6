package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// RotationPeriod is how long one radio token stays valid.
const RotationPeriod = 15 * time.Minute

const rotatingTokenBytes = 4

// RotatingToken is the short keyed token a device puts in its radio
// advertisement. It changes every RotationPeriod and cannot be linked
// across periods without the ring key.
func (id *Identity) RotatingToken(t time.Time) string { // A
	return id.tokenForEpoch(epochOf(t))
}

// MatchesRotatingToken accepts the token of the current or the previous
// period, so a device that rotated moments ago is still recognised.
func (id *Identity) MatchesRotatingToken(token string, t time.Time) bool { // A
	epoch := epochOf(t)
	if tokensEqual(token, id.tokenForEpoch(epoch)) {
		return true
	}
	return epoch > 0 && tokensEqual(token, id.tokenForEpoch(epoch-1))
}

func (id *Identity) tokenForEpoch(epoch uint64) string { // A
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	mac := hmac.New(sha256.New, id.RotationKey[:])
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil)[:rotatingTokenBytes])
}

func epochOf(t time.Time) uint64 { // A
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec) / uint64(RotationPeriod/time.Second)
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
