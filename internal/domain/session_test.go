package domain

import "testing"

func TestValidateRequiresRepoIDForCodeMode(t *testing.T) {
	s := &Session{Mode: ModeCode, Status: StatusActive, SandboxProviderID: "abc"}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error when mode=code has no repoId")
	}
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "repoId" {
		t.Fatalf("expected repoId validation error, got %#v", err)
	}
}

func TestValidateAllowsChatModeWithoutRepoID(t *testing.T) {
	s := &Session{Mode: ModeChat, Status: StatusActive, SandboxProviderID: "abc"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error for chat mode: %v", err)
	}
}

func TestValidateRequiresSandboxProviderIDOutsideCreatingOrArchived(t *testing.T) {
	s := &Session{Mode: ModeChat, Status: StatusActive}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for active session with no sandboxProviderId")
	}
}

func TestValidateAllowsMissingSandboxProviderIDWhileCreating(t *testing.T) {
	s := &Session{Mode: ModeChat, Status: StatusCreating}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error while creating: %v", err)
	}
}

func TestValidateAllowsMissingSandboxProviderIDWhenArchived(t *testing.T) {
	s := &Session{Mode: ModeChat, Status: StatusArchived}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error when archived: %v", err)
	}
}

func TestIsTerminalOnlyTrueWhenArchived(t *testing.T) {
	for _, status := range []SessionStatus{StatusCreating, StatusActive, StatusIdle, StatusError} {
		s := &Session{Status: status}
		if s.IsTerminal() {
			t.Fatalf("status %q should not be terminal", status)
		}
	}
	s := &Session{Status: StatusArchived}
	if !s.IsTerminal() {
		t.Fatal("archived status should be terminal")
	}
}

func TestResourceTierTableCoversAllTiers(t *testing.T) {
	for _, tier := range []ResourceTier{TierSmall, TierMedium, TierLarge} {
		limits, ok := ResourceTierTable[tier]
		if !ok {
			t.Fatalf("missing resource limits for tier %q", tier)
		}
		if limits.CPUShares <= 0 || limits.MemoryMiB <= 0 {
			t.Fatalf("tier %q has non-positive limits: %+v", tier, limits)
		}
	}
}
