package s2keys

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/curve25519"
	"zwaveflash.dev/zft/nvr"
)

func TestGenerateDerivesBasepointKey(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x5A}, 32))
	priv, pub, err := Generate(src)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if !bytes.Equal(pub[:], want) {
		t.Errorf("public key does not match basepoint multiply of private key")
	}
}

func TestSetIntoForcesRevAndCRC(t *testing.T) {
	var r nvr.Record
	r.Rev = 9
	src := bytes.NewReader(bytes.Repeat([]byte{0x11}, 32))
	if err := SetInto(&r, src); err != nil {
		t.Fatalf("SetInto: %v", err)
	}
	if r.Rev != 2 {
		t.Errorf("Rev = %d, want 2", r.Rev)
	}
	if !r.CRCValid() {
		t.Error("CRC not consistent after SetInto")
	}
	want, err := curve25519.X25519(r.S2PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if !bytes.Equal(r.S2PublicKey[:], want) {
		t.Error("S2PublicKey does not satisfy the Curve25519 base-point contract")
	}
}
