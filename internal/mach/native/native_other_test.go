//go:build !darwin || !cgo

package native

import (
	"errors"
	"testing"
)

func TestOpenUnsupported(t *testing.T) {
	if k, err := Open(); k != nil || !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v %v", k, err)
	}
	if _, err := TaskForPID(1); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
