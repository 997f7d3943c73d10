package cryptutil

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

func TestSealOpenRoundTrip(t *testing.T) {
	box := newTestBox(t)
	const plaintext = "Bearer sk-live-abc123"

	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == plaintext {
		t.Fatal("Seal returned the plaintext unchanged")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != plaintext {
		t.Errorf("Open = %q, want %q", opened, plaintext)
	}
}

func TestSealProducesDistinctCiphertextsForSameInput(t *testing.T) {
	box := newTestBox(t)
	a, err := box.Seal("same value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := box.Seal("same value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a == b {
		t.Error("two Seal calls on the same plaintext produced identical ciphertext; nonce reuse?")
	}
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	boxA := newTestBox(t)
	boxB := newTestBox(t)

	sealed, err := boxA.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := boxB.Open(sealed); err == nil {
		t.Error("Open with the wrong key should fail")
	}
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	box := newTestBox(t)
	sealed, err := box.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box.Open(sealed[:len(sealed)/2]); err == nil {
		t.Error("Open on truncated ciphertext should fail")
	}
}

func TestNewBoxRejectsWrongKeySize(t *testing.T) {
	if _, err := NewBox(bytes.Repeat([]byte{0}, KeySize-1)); err == nil {
		t.Error("NewBox with an undersized key should fail")
	}
}
