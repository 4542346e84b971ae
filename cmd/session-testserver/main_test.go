package main

import (
	"testing"
)

func TestUserFlag(t *testing.T) {
	t.Parallel()
	var users UserFlag

	// validate plain and two-factor users
	if err := users.Set("alice@example.com:pw"); err != nil {
		t.Fatalf("failed to set user: %v", err)
	}
	if err := users.Set("bob@example.com:pw:123456"); err != nil {
		t.Fatalf("failed to set user: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Email != "alice@example.com" || users[0].Password != "pw" || users[0].TwoFactorCode != "" {
		t.Errorf("unexpected user: %+v", users[0])
	}
	if users[1].Password != "pw" || users[1].TwoFactorCode != "123456" {
		t.Errorf("unexpected user: %+v", users[1])
	}

	// validate malformed value
	if err := users.Set("no-password"); err == nil {
		t.Error("expected error for missing password")
	}
}
