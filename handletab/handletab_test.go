/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package handletab_test

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/kbus/handletab"
)

func TestBorrowDuplicatesAndInstallHandsOver(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	b, err := handletab.Borrow(int(r.Fd()))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	installed := b.Install()
	if installed == int32(r.Fd()) {
		t.Fatalf("installed fd should be a duplicate, not the original")
	}
	if err := unix.Close(int(installed)); err != nil {
		t.Fatalf("close installed dup: %v", err)
	}
}

func TestBorrowAllUnwindsOnFailure(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	// an obviously-invalid fd alongside a valid one forces BorrowAll to
	// fail partway through and release what it already borrowed.
	_, err = handletab.BorrowAll([]int32{int32(r.Fd()), -1})
	if err == nil {
		t.Fatalf("expected BorrowAll to fail on an invalid fd")
	}
}

func TestTableDrainReleaseReleasesUninstalled(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	tbl := handletab.NewTable()
	b, err := handletab.Borrow(int(r.Fd()))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	tbl.Track(b)
	tbl.DrainRelease() // should close b's duplicate without panicking

	// releasing again must be a no-op, not a double-close panic.
	b.Release()
}
