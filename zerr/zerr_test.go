package zerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredAccessors(t *testing.T) {
	err := At(KindValidation, "ZK-VAL-006", "capabilities.memory.extra", "unknown field")

	if !IsKind(err, KindValidation) {
		t.Fatalf("IsKind failed")
	}
	if IsKind(err, KindCrypto) {
		t.Fatalf("IsKind matched wrong kind")
	}
	if RuleID(err) != "ZK-VAL-006" {
		t.Fatalf("RuleID: %s", RuleID(err))
	}
	if got := err.Error(); got != "capabilities.memory.extra: unknown field" {
		t.Fatalf("Error(): %q", got)
	}
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(KindIO, "ZK-IO-001", "read package", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	wrapped := fmt.Errorf("cli: %w", err)
	if !IsKind(wrapped, KindIO) {
		t.Fatalf("kind lost through wrapping")
	}
	if KindOf(wrapped) != KindIO {
		t.Fatalf("KindOf: %s", KindOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("plain errors must map to Internal")
	}
}
