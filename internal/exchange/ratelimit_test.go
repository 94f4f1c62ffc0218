package exchange

import (
	"context"
	"testing"
	"time"
)

func TestWeightBucketStartsFull(t *testing.T) {
	t.Parallel()
	b := NewWeightBucket(100, 10)
	if b.tokens != 100 {
		t.Errorf("tokens = %v, want 100", b.tokens)
	}
}

func TestWeightBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	b := NewWeightBucket(50, 1)

	start := time.Now()
	if err := b.Wait(context.Background(), 40); err != nil {
		t.Fatalf("Wait() returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait() took %v, expected immediate", elapsed)
	}
}

func TestWeightBucketWaitBlocksForHeavyCall(t *testing.T) {
	t.Parallel()
	// 10 capacity, 100/sec refill → a 20-weight call after drain waits ~100ms
	b := NewWeightBucket(10, 100)
	if err := b.Wait(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := b.Wait(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestWeightBucketContextCancelled(t *testing.T) {
	t.Parallel()
	b := NewWeightBucket(1, 0.1)
	_ = b.Wait(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx, 1); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestVenueBucketBudget(t *testing.T) {
	t.Parallel()
	b := NewVenueBucket()
	if b.capacity != 2200 {
		t.Errorf("capacity = %v, want 2200", b.capacity)
	}
}
