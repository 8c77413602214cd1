package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrNoPermission,
		ErrNoResource,
		ErrInvalidTarget,
		ErrRateLimit,
		ErrConflict,
		ErrBlocked,
		ErrStale,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestIsMissingResource(t *testing.T) {
	if !IsMissingResource(ErrNoResource) || !IsMissingResource(ErrInvalidTarget) {
		t.Fatalf("expected resource codes classified as missing")
	}
	if IsMissingResource(ErrBlocked) || IsMissingResource("") {
		t.Fatalf("blocked/empty should stay transient")
	}
}

func TestIsSupportedVersion(t *testing.T) {
	if !IsSupportedVersion(Version) || !IsSupportedVersion("1.0") {
		t.Fatalf("expected current and previous versions supported")
	}
	if IsSupportedVersion("0.9") {
		t.Fatalf("0.9 should be rejected")
	}
}
