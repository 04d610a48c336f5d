package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := "alice@example.com"
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: want %q got %q", plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ciphertexts due to random IVs")
	}
}

func TestDifferentSecretsProduceDifferentKeys(t *testing.T) {
	c1, _ := New("secret-one")
	c2, _ := New("secret-two")

	ciphertext, err := c1.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := c2.Decrypt(ciphertext)
	if err != nil {
		// A decode error is also an acceptable symptom of key mismatch.
		return
	}
	if got == "hello" {
		t.Fatal("decrypting with the wrong key must not recover the plaintext")
	}
}
