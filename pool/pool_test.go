/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pool_test

import (
	"context"
	"os"
	"testing"

	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/hk"
	"github.com/NVIDIA/kbus/pool"
)

func TestMain(m *testing.M) {
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	os.Exit(m.Run())
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	p := pool.New("t-reserve", cos.PageSize)
	defer p.Close()

	off, err := p.Reserve(context.Background(), 64)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	used, capacity := p.Utilization()
	if used != 64 {
		t.Fatalf("used: got %d want 64", used)
	}
	if capacity != int64(cos.PageSize) {
		t.Fatalf("capacity: got %d want %d", capacity, cos.PageSize)
	}
	if err := p.Release(off); err != nil {
		t.Fatalf("release: %v", err)
	}
	used, _ = p.Utilization()
	if used != 0 {
		t.Fatalf("used after release: got %d want 0", used)
	}
}

func TestReleaseUnknownOffsetFails(t *testing.T) {
	p := pool.New("t-bad-release", cos.PageSize)
	defer p.Close()
	if err := p.Release(12345); err == nil {
		t.Fatalf("expected error releasing an offset never reserved")
	}
}

func TestReserveTooBigFails(t *testing.T) {
	p := pool.New("t-toobig", cos.PageSize)
	defer p.Close()
	if _, err := p.Reserve(context.Background(), int64(cos.PageSize)*2); err == nil {
		t.Fatalf("expected error reserving more than pool capacity")
	}
}

func TestReserveBlocksUntilReleaseFreesSpace(t *testing.T) {
	p := pool.New("t-block", cos.PageSize)
	defer p.Close()

	off1, err := p.Reserve(context.Background(), int64(cos.PageSize))
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if _, err := p.Reserve(ctx, 64); err != nil {
			t.Errorf("second reserve: %v", err)
		}
		close(done)
	}()

	if err := p.Release(off1); err != nil {
		t.Fatalf("release: %v", err)
	}
	<-done
	cancel()
}
