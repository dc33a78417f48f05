package domain

import "testing"

func TestMetadataStripsCiphertext(t *testing.T) {
	s := &Secret{
		ID:         "sec-1",
		Name:       "GitHub PAT",
		EnvVarName: "GITHUB_TOKEN",
		Kind:       SecretToken,
		Enabled:    true,
		Ciphertext: []byte("this-must-never-leave-the-store"),
		KeyVersion: 1,
	}
	meta := s.Metadata()
	if meta.ID != s.ID || meta.Name != s.Name || meta.EnvVarName != s.EnvVarName {
		t.Fatalf("expected metadata to mirror the non-sensitive fields, got %+v", meta)
	}
	if meta.Kind != SecretToken || !meta.Enabled {
		t.Fatalf("expected kind/enabled to carry through, got %+v", meta)
	}
}
