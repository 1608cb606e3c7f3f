package identity

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	v, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := v.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.IdentityFromToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if id != "alice" {
		t.Fatalf("expected alice, got %q", id)
	}
}

func TestRejectsBadTokens(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	other, _ := NewVerifier("other-secret")

	cases := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.IdentityFromToken(tc.tok); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		tok, _ := other.IssueToken("mallory", time.Minute)
		if _, err := v.IdentityFromToken(tok); err == nil {
			t.Fatal("token signed with wrong secret accepted")
		}
	})

	t.Run("expired", func(t *testing.T) {
		tok, _ := v.IssueToken("bob", -time.Minute)
		if _, err := v.IdentityFromToken(tok); err == nil {
			t.Fatal("expired token accepted")
		}
	})
}
