package kvstore

import (
	"errors"
	"testing"
)

func TestValidateSegment(t *testing.T) {
	valid := []string{"instance-launch", "status", "a1b2c3", "00000042"}
	for _, seg := range valid {
		if err := ValidateSegment(seg); err != nil {
			t.Errorf("ValidateSegment(%q) = %v, want nil", seg, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "../escape", "with/slash"}
	for _, seg := range invalid {
		err := ValidateSegment(seg)
		if err == nil {
			t.Errorf("ValidateSegment(%q) = nil, want error", seg)
			continue
		}
		if !IsInvalidKey(err) {
			t.Errorf("ValidateSegment(%q) = %v, want ErrInvalidKey", seg, err)
		}
	}
}

func TestJoin(t *testing.T) {
	key, err := Join("instance-launch", "abc", "status")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if key != "instance-launch/abc/status" {
		t.Fatalf("Join = %q, want %q", key, "instance-launch/abc/status")
	}

	if _, err := Join("instance-launch", "../etc"); err == nil {
		t.Fatal("Join accepted a traversal segment")
	}
}

func TestMustJoinPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustJoin did not panic on invalid segment")
		}
	}()
	MustJoin("ok", "..")
}

func TestStoreErrorUnwrap(t *testing.T) {
	err := &StoreError{Op: "Get", Backend: BackendFS, Key: "a/b", Err: ErrNotFound}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("StoreError does not unwrap to ErrNotFound")
	}
	if !IsNotFound(err) {
		t.Fatal("IsNotFound missed a wrapped ErrNotFound")
	}
	if IsInvalidKey(err) {
		t.Fatal("IsInvalidKey matched a not-found error")
	}
}
