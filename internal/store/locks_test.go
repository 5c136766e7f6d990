package store

import "testing"

func TestLockKeyIsStableAndScoped(t *testing.T) {
	a := LockKey("sync", "org-1/calendly")
	b := LockKey("sync", "org-1/calendly")
	if a != b {
		t.Fatalf("LockKey not stable: %d != %d", a, b)
	}
	if LockKey("sync", "org-1/calendly") == LockKey("sync", "org-2/calendly") {
		t.Fatalf("different scopes collided")
	}
	if LockKey("sync", "org-1/calendly") == LockKey("refresh", "org-1/calendly") {
		t.Fatalf("different kinds collided")
	}
}
