package user

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, "secret")

	token, err := svc.IssueToken("u1", "Ann")
	if err != nil {
		t.Fatal(err)
	}

	senderID, displayName, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if senderID != "u1" || displayName != "Ann" {
		t.Fatalf("claims mismatch: %q %q", senderID, displayName)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewService(nil, "secret-a").IssueToken("u1", "Ann")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := NewService(nil, "secret-b").ValidateToken(token); err == nil {
		t.Fatal("expected validation failure for wrong secret")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	if _, _, err := NewService(nil, "secret").ValidateToken("not-a-token"); err == nil {
		t.Fatal("expected validation failure")
	}
}
