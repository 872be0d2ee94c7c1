package signal

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Channel name prefixes. Both sides of a call derive the same name from the
// identities alone; there is no registration or discovery step.
const (
	PrivatePrefix = "call:p:"
	GroupPrefix   = "call:g:"
	InvitePrefix  = "invite:"
)

// PrivateChannel returns the channel shared by exactly two participants.
// The result does not depend on argument order.
func PrivateChannel(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return PrivatePrefix + digest(strings.Join(ids, "|"))
}

// GroupChannel returns the channel of a group call.
func GroupChannel(groupID string) string {
	return GroupPrefix + digest(groupID)
}

// InviteChannel returns the channel on which userID receives call
// invitations.
func InviteChannel(userID string) string {
	return InvitePrefix + digest(userID)
}

// digest hashes an identifier into a fixed-length topic suffix so raw user
// ids never appear in broadcast topic names.
func digest(s string) string {
	h, _ := blake2b.New(16, nil) // only fails for size > 64 or key > 64
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
