// Package s2keys generates the Z-Wave Security 2 (S2) Curve25519 identity
// stored in the NVR region.
package s2keys

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"zwaveflash.dev/zft/nvr"
)

// Generate draws a fresh 32-byte private key from random and derives the
// matching Curve25519 base-point public key.
func Generate(random io.Reader) (priv, pub [32]byte, err error) {
	if random == nil {
		random = rand.Reader
	}
	if _, err := io.ReadFull(random, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("s2keys: read random: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("s2keys: derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// SetInto draws a fresh S2 key pair and stores it in r: S2PrivateKey and
// S2PublicKey are overwritten, Rev is forced to 2, and the NVR CRC is
// recomputed to cover the change.
func SetInto(r *nvr.Record, random io.Reader) error {
	priv, pub, err := Generate(random)
	if err != nil {
		return err
	}
	r.S2PrivateKey = priv
	r.S2PublicKey = pub
	r.Rev = 2
	r.RecomputeCRC()
	return nil
}
