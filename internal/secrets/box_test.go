package secrets

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpen(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	secret := "https://discord.com/api/webhooks/123/abc-token"
	sealed, err := box.Seal(secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "discord") {
		t.Fatalf("ciphertext leaks plaintext: %q", sealed)
	}

	again, _ := box.Seal(secret)
	if again == sealed {
		t.Errorf("expected random nonce to produce distinct ciphertexts")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != secret {
		t.Errorf("expected %q, got %q", secret, opened)
	}
}

func TestEmptyStringPassesThrough(t *testing.T) {
	box, _ := NewBox(testKey)

	sealed, err := box.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("expected empty ciphertext, got %q (%v)", sealed, err)
	}
	opened, err := box.Open("")
	if err != nil || opened != "" {
		t.Fatalf("expected empty plaintext, got %q (%v)", opened, err)
	}
}

func TestOpenRejectsForeignCiphertext(t *testing.T) {
	a, _ := NewBox(testKey)
	b, _ := NewBox(strings.Repeat("z", 32))

	sealed, _ := a.Seal("refresh-token")
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for wrong key, got %v", err)
	}
	if _, err := a.Open("not base64!"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for garbage, got %v", err)
	}
	if _, err := a.Open("AAAA"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for short input, got %v", err)
	}
}

func TestNewBoxRequiresLongKey(t *testing.T) {
	if _, err := NewBox("short"); err == nil {
		t.Fatal("expected error for short key")
	}
}
