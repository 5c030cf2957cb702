package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetRunTimeoutSeconds_NormalizesNegativeToZero(t *testing.T) {
	SetRunTimeoutSeconds(-5)
	if runTimeout != 0 {
		t.Fatalf("expected 0, got %d", runTimeout)
	}
	SetRunTimeoutSeconds(3)
	if runTimeout != 3 {
		t.Fatalf("expected 3, got %d", runTimeout)
	}
}
