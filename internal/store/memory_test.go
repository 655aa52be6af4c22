package store

import (
	"context"
	"testing"
	"time"

	"github.com/jihwankim/spare-worker/internal/model"
)

func TestMemoryStoreInsertUpdateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.Insert(ctx, &model.InvocationRecord{
		Function: "f", Kernel: "k", Image: "img", VCPUs: 1, MemoryMB: 64,
		Status: model.StatusStarted, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.Update(ctx, id, model.StatusTerminated, "10.0.0.2", 1234); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != model.StatusTerminated || rec.GuestIP != "10.0.0.2" || rec.GuestPort != 1234 {
		t.Fatalf("Get() = %+v, want updated terminal record", rec)
	}
}

func TestMemoryStoreStatsOnlyCountsTerminated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	termID, _ := s.Insert(ctx, &model.InvocationRecord{
		VCPUs: 2, MemoryMB: 128, Hops: 2, Status: model.StatusStarted, CreatedAt: now,
	})
	_ = s.Update(ctx, termID, model.StatusTerminated, "", 0)

	_, _ = s.Insert(ctx, &model.InvocationRecord{
		VCPUs: 4, MemoryMB: 256, Hops: 8, Status: model.StatusFailed, CreatedAt: now,
	})

	stats, err := s.Stats(ctx, model.StatsPeriod{From: now.Add(-time.Hour), To: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Requests != 1 || stats.VCPUsSum != 2 || stats.MemorySum != 128 || stats.HopsAvg != 2 {
		t.Fatalf("Stats() = %+v, want only the terminated record counted", stats)
	}
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), 999); err == nil {
		t.Fatal("Get(999) on empty store should fail")
	}
}
