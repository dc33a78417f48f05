package relayerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(InvalidRequest, "bad input")
	if err.Kind != InvalidRequest {
		t.Fatalf("expected kind %q, got %q", InvalidRequest, err.Kind)
	}
	if err.Error() != "invalid_request: bad input" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}

func TestWrapIncludesCauseInErrorString(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(HandlerError, "operation failed", cause)
	want := "handler_error: operation failed: boom"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestAsUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New(SandboxUnavailable, "no sandbox")
	outer := fmt.Errorf("bootstrap: %w", inner)

	got := As(outer)
	if got.Kind != SandboxUnavailable {
		t.Fatalf("expected to recover kind %q through wrapping, got %q", SandboxUnavailable, got.Kind)
	}
}

func TestAsFallsBackToHandlerErrorForPlainErrors(t *testing.T) {
	got := As(errors.New("unrelated failure"))
	if got.Kind != HandlerError {
		t.Fatalf("expected fallback kind %q, got %q", HandlerError, got.Kind)
	}
	if got.Message != "internal error" {
		t.Fatalf("fallback must not leak internal error text, got %q", got.Message)
	}
}

func TestAsNilReturnsNil(t *testing.T) {
	if As(nil) != nil {
		t.Fatal("expected As(nil) to return nil")
	}
}
