// Package fingerprint computes the short stable device digest used to
// name Instances and CDI devices.
package fingerprint

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// digestSize is the number of output bytes of the fingerprint, giving a
// 6-character hex string.
const digestSize = 3

// Shared computes the fingerprint of a shared device id. It is
// independent of the observing node so that the same device reported by
// two nodes collapses to a single Instance.
func Shared(id string) string {
	return digest(id)
}

// Local computes the fingerprint of a device id observed only on
// nodeName. Embedding the node name guarantees two nodes reporting the
// same local id never collide.
func Local(id, nodeName string) string {
	return digest(id + nodeName)
}

func digest(s string) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// digestSize is a compile-time constant within blake2b's supported
		// range; New only fails for bad key/size combinations.
		panic(err)
	}
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
