package gateway

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"refund_id":"refund-1","amount":"25.00"}`)
	secret := "whsec_test"

	sig := Sign(payload, secret)
	if sig == "" {
		t.Fatalf("empty signature")
	}
	if !VerifySignature(payload, sig, secret) {
		t.Fatalf("valid signature rejected")
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	payload := []byte(`{"refund_id":"refund-1"}`)
	secret := "whsec_test"
	sig := Sign(payload, secret)

	if VerifySignature(payload, sig, "other_secret") {
		t.Fatalf("signature verified under wrong secret")
	}
	if VerifySignature([]byte(`{"refund_id":"refund-2"}`), sig, secret) {
		t.Fatalf("signature verified for tampered payload")
	}
	if VerifySignature(payload, "zzzz", secret) {
		t.Fatalf("garbage signature verified")
	}
}

func TestVerifySignatureEmptyInputs(t *testing.T) {
	payload := []byte(`{}`)
	if VerifySignature(payload, Sign(payload, "s"), "") {
		t.Fatalf("empty secret must never verify")
	}
	if VerifySignature(payload, "", "s") {
		t.Fatalf("empty signature must never verify")
	}
}
