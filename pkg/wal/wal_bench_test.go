package wal

import (
	"context"
	"testing"

	"replog/pkg/request"
	"replog/pkg/types"
)

func newBenchWAL(b *testing.B, sync SyncMode) *WAL {
	b.Helper()
	w, err := New(Config{Dir: b.TempDir(), NumReplicas: 1, Sync: sync}, Leader(), nil, WithLogger(quiet))
	if err != nil {
		b.Fatalf("failed to create WAL: %v", err)
	}
	b.Cleanup(func() { _ = w.Close() })
	if err := w.Recover(context.Background(), nil, nil); err != nil {
		b.Fatalf("Recover: %v", err)
	}
	return w
}

func benchmarkAppend(b *testing.B, sync SyncMode) {
	w := newBenchWAL(b, sync)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := w.AppendRequest(ctx, putReq(i)); err != nil {
			b.Fatalf("AppendRequest failed: %v", err)
		}
	}
}

func BenchmarkAppendRequest(b *testing.B) { benchmarkAppend(b, SyncDisabled) }

func BenchmarkAppendRequestSync(b *testing.B) { benchmarkAppend(b, SyncAlways) }

func BenchmarkLoad(b *testing.B) {
	w := newBenchWAL(b, SyncDisabled)
	const preloaded = 10_000
	for i := 0; i < preloaded; i++ {
		if _, err := w.Put(putReq(i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	w.cfg.FullReplay = true
	handler := func(context.Context, types.Offset, *request.Request) ([]byte, error) { return nil, nil }

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		n := 0
		for _, err := range w.Load(context.Background(), handler) {
			if err != nil {
				b.Fatalf("Load failed: %v", err)
			}
			n++
		}
		if n != preloaded {
			b.Fatalf("replayed %d entries, want %d", n, preloaded)
		}
	}
}
