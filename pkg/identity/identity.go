// Package identity generates local peer and message identifiers.
package identity

import (
    "crypto/rand"
    "math/big"
    "strconv"
    "strings"
    "time"
)

const randAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewPeerID returns a fresh local peer identity of the form
// emergency-<timestamp36>-<random6>. Immutable once assigned; unique
// per direct-transport endpoint.
func NewPeerID() string {
    return "emergency-" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + randomToken(6)
}

// NewMessageID returns a collision-resistant-enough message id
// (<timestamp36><random9>). Receivers may use it for de-duplication;
// uniqueness is not enforced by the delivery layer.
func NewMessageID() string {
    return strconv.FormatInt(time.Now().UnixMilli(), 36) + randomToken(9)
}

// IsPeerID reports whether s looks like a locally generated peer identity.
func IsPeerID(s string) bool {
    return strings.HasPrefix(s, "emergency-") && strings.Count(s, "-") >= 2
}

func randomToken(n int) string {
    max := big.NewInt(int64(len(randAlphabet)))
    b := make([]byte, n)
    for i := range b {
        r, err := rand.Int(rand.Reader, max)
        if err != nil {
            // crypto/rand failing is effectively unrecoverable; degrade to
            // a time-derived digit rather than panicking in id generation.
            b[i] = randAlphabet[time.Now().UnixNano()%int64(len(randAlphabet))]
            continue
        }
        b[i] = randAlphabet[r.Int64()]
    }
    return string(b)
}
