package rsync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pvtsync/pvtsync/lib/perrors"
)

func TestCreateAndAcceptPatch(t *testing.T) {
	oldData := []byte("The quick brown fox jumps over the lazy dog. " +
		"The quick brown fox jumps over the lazy dog.")
	newData := []byte("The quick brown FOX jumps over the lazy dog. " +
		"The quick brown fox jumps over the lazy dog. Extra tail content.")

	blockSize := 8
	oldBlocks, err := Signature(bytes.NewReader(oldData), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	oldHash := ContentHash(oldBlocks)

	archive, info, err := CreatePatch(newData, oldHash, oldData, oldBlocks, blockSize)
	if err != nil {
		t.Fatalf("CreatePatch: %v", err)
	}
	if info.OldHash != oldHash {
		t.Errorf("info.OldHash = %q, want %q", info.OldHash, oldHash)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	if err := os.WriteFile(path, oldData, 0o644); err != nil {
		t.Fatal(err)
	}

	reconstructed, _, gotOldHash, err := AcceptPatch(archive, path, oldHash)
	if err != nil {
		t.Fatalf("AcceptPatch: %v", err)
	}
	if !bytes.Equal(reconstructed, newData) {
		t.Errorf("reconstructed content = %q, want %q", reconstructed, newData)
	}
	if gotOldHash != oldHash {
		t.Errorf("returned old hash = %q, want %q", gotOldHash, oldHash)
	}
}

func TestAcceptPatchAlreadyApplied(t *testing.T) {
	oldData := []byte("abcdefgh")
	newData := []byte("abcdefghij")
	blockSize := 4

	oldBlocks, _ := Signature(bytes.NewReader(oldData), blockSize)
	oldHash := ContentHash(oldBlocks)

	archive, info, err := CreatePatch(newData, oldHash, oldData, oldBlocks, blockSize)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	os.WriteFile(path, newData, 0o644)

	_, _, _, err = AcceptPatch(archive, path, info.NewHash)
	if err != perrors.ErrAlreadyPatched {
		t.Errorf("err = %v, want ErrAlreadyPatched", err)
	}
}

func TestAcceptPatchWrongOldHash(t *testing.T) {
	oldData := []byte("abcdefgh")
	newData := []byte("abcdefghij")
	blockSize := 4

	oldBlocks, _ := Signature(bytes.NewReader(oldData), blockSize)
	oldHash := ContentHash(oldBlocks)

	archive, _, err := CreatePatch(newData, oldHash, oldData, oldBlocks, blockSize)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	os.WriteFile(path, []byte("unrelated"), 0o644)

	_, _, _, err = AcceptPatch(archive, path, "not-the-right-hash")
	if err == nil {
		t.Fatal("expected an error for mismatched old hash")
	}
}
