package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorUnwrap(t *testing.T) {
	err := &OpError{Provider: "e2b", Op: "create", Err: fmt.Errorf("wrapped: %w", ErrQuotaExceeded)}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatal("OpError should unwrap to the sentinel")
	}
}

func TestCommandErrorMatchesAs(t *testing.T) {
	var err error = &CommandError{Command: "npm run build", ExitCode: 2, Stderr: "boom"}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatal("errors.As should match CommandError")
	}
	if cmdErr.ExitCode != 2 {
		t.Fatalf("ExitCode = %d", cmdErr.ExitCode)
	}
}

func TestBatchFirstError(t *testing.T) {
	batch := BatchFileOperationResult{
		Results: []FileOperationResult{
			{Path: "a.txt"},
			{Path: "b.txt", Err: ErrFileNotFound},
			{Path: "c.txt", Err: ErrProviderUnavailable},
		},
		Succeeded: 1,
		Failed:    2,
	}
	if !errors.Is(batch.FirstError(), ErrFileNotFound) {
		t.Fatalf("FirstError() = %v, want first failure in order", batch.FirstError())
	}

	clean := BatchFileOperationResult{Results: []FileOperationResult{{Path: "a"}}, Succeeded: 1}
	if clean.FirstError() != nil {
		t.Fatal("FirstError() on clean batch should be nil")
	}
}
