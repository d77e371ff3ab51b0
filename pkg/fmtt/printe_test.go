package fmtt

import (
	"errors"
	"fmt"
	"testing"
)

type wrappedErr struct {
	inner error
	code  int
}

func (e *wrappedErr) Error() string { return fmt.Sprintf("code %d: %v", e.code, e.inner) }
func (e *wrappedErr) Unwrap() error { return e.inner }

func TestPrintErrChainNil(t *testing.T) {
	PrintErrChain(nil)
}

func TestPrintErrChainWalksWrappedErrors(t *testing.T) {
	base := errors.New("shm region missing")
	wrapped := fmt.Errorf("open region: %w", base)
	PrintErrChain(wrapped)
}

func TestPrintErrChainDebugWalksStructFields(t *testing.T) {
	err := &wrappedErr{inner: errors.New("pipe broken"), code: 7}
	PrintErrChainDebug(err)
}
