package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

func TestClaimJobIsExclusive(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, domain.Job{TenantID: "tenant-1", SaleID: "sale-1", Provider: "omnitech"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	claimed, err := s.ClaimJob(ctx, "tenant-1", job.ID, "agent-1", now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", claimed.Status)
	}
	if claimed.AgentID != "agent-1" {
		t.Fatalf("agent = %s, want agent-1", claimed.AgentID)
	}

	if _, err := s.ClaimJob(ctx, "tenant-1", job.ID, "agent-2", now); !errors.Is(err, store.ErrJobAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrJobAlreadyClaimed", err)
	}
}

func TestCompleteJobIsTerminal(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, domain.Job{TenantID: "tenant-1", SaleID: "sale-2", Provider: "omnitech"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.CompleteJob(ctx, "tenant-1", job.ID, domain.JobStatusSuccess, "FN-1", `{"success":true}`, "", now); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, err := s.CompleteJob(ctx, "tenant-1", job.ID, domain.JobStatusFailed, "", "", "late", now); !errors.Is(err, store.ErrJobTerminal) {
		t.Fatalf("second complete err = %v, want ErrJobTerminal", err)
	}
	if _, err := s.ClaimJob(ctx, "tenant-1", job.ID, "agent-1", now); !errors.Is(err, store.ErrJobTerminal) {
		t.Fatalf("claim of terminal job err = %v, want ErrJobTerminal", err)
	}
}

func TestCompleteAttemptOnlyOnce(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	attempt, err := s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "sale-3", Provider: "omnitech"})
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if attempt.Status != domain.AttemptStatusPending {
		t.Fatalf("initial status = %s, want pending", attempt.Status)
	}

	now := time.Now().UTC()
	done, err := s.CompleteAttempt(ctx, "tenant-1", attempt.ID, domain.AttemptStatusSuccess, "FN-9", `{"success":true}`, "", now)
	if err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if _, err := s.CompleteAttempt(ctx, "tenant-1", attempt.ID, domain.AttemptStatusFailed, "", "", "late", now); !errors.Is(err, store.ErrAttemptTerminal) {
		t.Fatalf("second complete err = %v, want ErrAttemptTerminal", err)
	}
}

func TestJobsAreTenantScoped(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, domain.Job{TenantID: "tenant-1", SaleID: "sale-4", Provider: "omnitech"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := s.GetJob(ctx, "tenant-2", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant GetJob err = %v, want ErrNotFound", err)
	}
	if _, err := s.ClaimJob(ctx, "tenant-2", job.ID, "agent-x", time.Now().UTC()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant ClaimJob err = %v, want ErrNotFound", err)
	}

	pending, err := s.ListPendingJobs(ctx, "tenant-2", 10)
	if err != nil {
		t.Fatalf("ListPendingJobs: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("tenant-2 sees %d pending jobs, want 0", len(pending))
	}
}

func TestListAttemptsNewestFirst(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	first, _ := s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "sale-a", Provider: "omnitech"})
	second, _ := s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "sale-b", Provider: "omnitech"})

	attempts, err := s.ListAttempts(ctx, "tenant-1", 10)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len = %d, want 2", len(attempts))
	}
	if attempts[0].ID != second.ID || attempts[1].ID != first.ID {
		t.Fatal("attempts not ordered newest first")
	}
}

func TestAttemptStatsCounts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	a1, _ := s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "s1", Provider: "omnitech"})
	a2, _ := s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "s2", Provider: "omnitech"})
	s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-1", SaleID: "s3", Provider: "omnitech"})
	s.CreateAttempt(ctx, domain.FiscalAttempt{TenantID: "tenant-2", SaleID: "s4", Provider: "fiscalpro"})

	s.CompleteAttempt(ctx, "tenant-1", a1.ID, domain.AttemptStatusSuccess, "FN-1", "", "", now)
	s.CompleteAttempt(ctx, "tenant-1", a2.ID, domain.AttemptStatusFailed, "", "", "device rejected", now)

	stats, err := s.GetAttemptStats(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetAttemptStats: %v", err)
	}
	if stats.Success != 1 || stats.Failed != 1 || stats.Pending != 1 || stats.Total != 3 {
		t.Fatalf("stats = %+v, want 1/1/1 of 3", stats)
	}
}

func TestInactiveConfigIsMissing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	cfg, err := s.GetActiveDeviceConfig(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetActiveDeviceConfig: %v", err)
	}
	cfg.IsActive = false
	s.UpsertDeviceConfig(*cfg)

	if _, err := s.GetActiveDeviceConfig(ctx, "tenant-1"); !errors.Is(err, store.ErrConfigurationMissing) {
		t.Fatalf("err = %v, want ErrConfigurationMissing", err)
	}
}
