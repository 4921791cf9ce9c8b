package publish

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"enrollment/internal/snapshot"
)

// fingerprintKey separates snapshot fingerprints from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'e', 'n', 'r', 'o', 'l', 'l', 'm', 'e', 'n', 't', '.', 's', 'n', 'a', 'p', 's',
	'h', 'o', 't', '.', 'v', '2', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint identifies the content of a snapshot. The forced flag is left
// out so a forced republish of unchanged data has the same fingerprint.
func Fingerprint(v snapshot.V2) (string, error) {
	v.ForcedUpdate = nil
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("publish: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
