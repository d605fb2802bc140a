package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fiscalbridge/backend/internal/bridge"
	"fiscalbridge/backend/internal/catalog"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/formatter"
	"fiscalbridge/backend/internal/metrics"
	"fiscalbridge/backend/internal/store"
)

// Skip reasons reported when a fiscal operation is silently bypassed.
// A skip is not an error: the parent sale or return flow proceeds and
// the reason is surfaced in the enqueue response and the logs.
const (
	SkipFiscalDisabled        = "fiscal_disabled"
	SkipConfigurationMissing  = "configuration_missing"
	SkipProviderUnknown       = "provider_unknown"
	SkipCredentialsIncomplete = "credentials_incomplete"
	SkipShiftNotOpen          = "shift_not_open"
	SkipMissingFiscalLinkage  = "missing_fiscal_linkage"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	catalog   *catalog.Catalog
	bridge    *bridge.Client
	metrics   *metrics.Metrics
	pollLimit int
}

func New(repo store.Repository, cat *catalog.Catalog, client *bridge.Client, m *metrics.Metrics, pollLimit int) *Service {
	if pollLimit < 1 {
		pollLimit = 20
	}
	return &Service{
		repo:      repo,
		catalog:   cat,
		bridge:    client,
		metrics:   m,
		pollLimit: pollLimit,
	}
}

func (s *Service) tenantID(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.TenantID == "" {
		return "", fmt.Errorf("authenticated tenant required")
	}
	return actor.TenantID, nil
}

// resolveDevice loads the tenant's active device config and its protocol
// description. Callers classify the returned sentinel errors.
func (s *Service) resolveDevice(ctx context.Context, tenantID string) (*domain.DeviceConfig, *domain.ProviderEntry, error) {
	cfg, err := s.repo.GetActiveDeviceConfig(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.catalog.Lookup(ctx, cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	return cfg, entry, nil
}

// PrintNow formats and sends a sale receipt to the tenant's fiscal device
// synchronously, recording the attempt either way. Device-side failures
// come back as a structured result, not an error: only configuration
// problems and storage failures surface as errors.
func (s *Service) PrintNow(ctx context.Context, sale domain.Sale) (*domain.PrintResult, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSale(sale); err != nil {
		return nil, err
	}

	cfg, entry, err := s.resolveDevice(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider not in catalog: %w", store.ErrConfigurationMissing)
		}
		return nil, err
	}

	req, err := formatter.FormatSale(*cfg, *entry, sale)
	if err != nil {
		return nil, err
	}
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	attempt, err := s.repo.CreateAttempt(ctx, domain.FiscalAttempt{
		TenantID:    tenantID,
		SaleID:      sale.ID,
		Provider:    cfg.Provider,
		RequestData: string(body),
	})
	if err != nil {
		return nil, err
	}

	resp, execErr := s.bridge.Execute(ctx, req)
	now := time.Now().UTC()

	if execErr != nil {
		message := execErr.Error()
		if _, err := s.repo.CompleteAttempt(ctx, tenantID, attempt.ID, domain.AttemptStatusFailed, "", "", message, now); err != nil {
			log.Printf("[fiscal] WARN: failed to finalize attempt %s: %v", attempt.ID, err)
		}
		s.metrics.ObserveAttempt(domain.AttemptStatusFailed)
		return &domain.PrintResult{Success: false, Error: message, AttemptID: attempt.ID}, nil
	}

	if !resp.Success {
		if _, err := s.repo.CompleteAttempt(ctx, tenantID, attempt.ID, domain.AttemptStatusFailed, "", resp.Raw, resp.ErrorMessage, now); err != nil {
			log.Printf("[fiscal] WARN: failed to finalize attempt %s: %v", attempt.ID, err)
		}
		s.metrics.ObserveAttempt(domain.AttemptStatusFailed)
		return &domain.PrintResult{Success: false, Error: resp.ErrorMessage, AttemptID: attempt.ID}, nil
	}

	if _, err := s.repo.CompleteAttempt(ctx, tenantID, attempt.ID, domain.AttemptStatusSuccess, resp.FiscalNumber, resp.Raw, "", now); err != nil {
		log.Printf("[fiscal] WARN: failed to finalize attempt %s: %v", attempt.ID, err)
	}
	if err := s.repo.SetSaleFiscalNumber(ctx, tenantID, sale.ID, resp.FiscalNumber); err != nil {
		log.Printf("[fiscal] WARN: failed to record fiscal number for sale %s: %v", sale.ID, err)
	}
	s.metrics.ObserveAttempt(domain.AttemptStatusSuccess)

	return &domain.PrintResult{Success: true, FiscalNumber: resp.FiscalNumber, AttemptID: attempt.ID}, nil
}

// TestConnection probes the device status endpoint. Reachability and the
// device's self-reported state are reported separately: a device that
// answers with an error page is reachable but not ready.
func (s *Service) TestConnection(ctx context.Context) (*domain.ConnectionStatus, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	cfg, entry, err := s.resolveDevice(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider not in catalog: %w", store.ErrConfigurationMissing)
		}
		return nil, err
	}

	req, err := formatter.StatusRequest(*cfg, *entry)
	if err != nil {
		return nil, err
	}

	status := &domain.ConnectionStatus{Provider: cfg.Provider}
	resp, err := s.bridge.Status(ctx, req)
	if err != nil {
		if errors.Is(err, bridge.ErrDeviceUnreachable) {
			status.Reachable = false
			status.Error = err.Error()
			return status, nil
		}
		if errors.Is(err, bridge.ErrResponseMalformed) {
			status.Reachable = true
			status.Error = err.Error()
			return status, nil
		}
		return nil, err
	}

	status.Reachable = true
	status.HTTPStatus = resp.HTTPStatus
	status.DeviceStatus = resp.DeviceStatus
	if !resp.Success && resp.ErrorMessage != "" {
		status.Error = resp.ErrorMessage
	}
	return status, nil
}

// EnqueueSaleJob queues a sale for fiscalization by the bridge agent.
// Config-class problems skip the job silently so the sale itself is
// never blocked by fiscal trouble.
func (s *Service) EnqueueSaleJob(ctx context.Context, sale domain.Sale) (*domain.EnqueueResponse, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSale(sale); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, tenantID, domain.OperationSale, sale.ID, "", func(cfg *domain.DeviceConfig, entry *domain.ProviderEntry) (*formatter.Request, error) {
		return formatter.FormatSale(*cfg, *entry, sale)
	}, nil)
}

// EnqueueReturnJob queues a return. Providers whose protocol ties returns
// to a credit contract need the original sale's fiscal document id; if it
// is missing the job is skipped.
func (s *Service) EnqueueReturnJob(ctx context.Context, ret domain.ReturnRecord) (*domain.EnqueueResponse, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if ret.ID == "" || len(ret.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	linkageCheck := func(entry *domain.ProviderEntry) string {
		if entry.SupportsCreditContract && ret.OriginalFiscalDocumentID == "" {
			return SkipMissingFiscalLinkage
		}
		return ""
	}
	return s.enqueue(ctx, tenantID, domain.OperationReturn, "", ret.ID, func(cfg *domain.DeviceConfig, entry *domain.ProviderEntry) (*formatter.Request, error) {
		return formatter.FormatReturn(*cfg, *entry, ret)
	}, linkageCheck)
}

func (s *Service) enqueue(
	ctx context.Context,
	tenantID string,
	operation string,
	saleID string,
	returnID string,
	format func(*domain.DeviceConfig, *domain.ProviderEntry) (*formatter.Request, error),
	linkageCheck func(*domain.ProviderEntry) string,
) (*domain.EnqueueResponse, error) {
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.FiscalEnabled {
		return s.skip(tenantID, operation, saleID, returnID, SkipFiscalDisabled), nil
	}

	cfg, err := s.repo.GetActiveDeviceConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrConfigurationMissing) {
			return s.skip(tenantID, operation, saleID, returnID, SkipConfigurationMissing), nil
		}
		return nil, err
	}

	entry, err := s.catalog.Lookup(ctx, cfg.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.skip(tenantID, operation, saleID, returnID, SkipProviderUnknown), nil
		}
		return nil, err
	}

	if !cfg.ShiftOpen {
		return s.skip(tenantID, operation, saleID, returnID, SkipShiftNotOpen), nil
	}
	if linkageCheck != nil {
		if reason := linkageCheck(entry); reason != "" {
			return s.skip(tenantID, operation, saleID, returnID, reason), nil
		}
	}

	req, err := format(cfg, entry)
	if err != nil {
		if errors.Is(err, store.ErrCredentialsIncomplete) {
			return s.skip(tenantID, operation, saleID, returnID, SkipCredentialsIncomplete), nil
		}
		return nil, err
	}
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	attempt, err := s.repo.CreateAttempt(ctx, domain.FiscalAttempt{
		TenantID:    tenantID,
		SaleID:      saleID,
		ReturnID:    returnID,
		Provider:    cfg.Provider,
		RequestData: string(body),
	})
	if err != nil {
		return nil, err
	}

	job, err := s.repo.CreateJob(ctx, domain.Job{
		TenantID:    tenantID,
		SaleID:      saleID,
		ReturnID:    returnID,
		AttemptID:   attempt.ID,
		Provider:    cfg.Provider,
		RequestData: string(body),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveJobCreated()

	return &domain.EnqueueResponse{Enqueued: true, Job: job}, nil
}

func (s *Service) skip(tenantID string, operation string, saleID string, returnID string, reason string) *domain.EnqueueResponse {
	ref := saleID
	if ref == "" {
		ref = returnID
	}
	log.Printf("[fiscal] WARN: skipping fiscal %s tenant=%s ref=%s reason=%s", operation, tenantID, ref, reason)
	s.metrics.ObserveSkip(reason)
	return &domain.EnqueueResponse{Enqueued: false, SkipReason: reason}
}

func (s *Service) ListPendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > s.pollLimit {
		limit = s.pollLimit
	}
	return s.repo.ListPendingJobs(ctx, tenantID, limit)
}

func (s *Service) ClaimJob(ctx context.Context, jobID string, agentID string) (*domain.Job, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	agentID = strings.TrimSpace(agentID)
	if jobID == "" || agentID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ClaimJob(ctx, tenantID, jobID, agentID, time.Now().UTC())
}

// CompleteJob records the agent's terminal outcome, writes the fiscal
// number back to the sale or return, and resolves the job's pending
// attempt-log row.
func (s *Service) CompleteJob(ctx context.Context, jobID string, req domain.JobCompleteRequest) (*domain.Job, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.JobStatusSuccess && req.Status != domain.JobStatusFailed {
		return nil, store.ErrInvalidInput
	}
	if req.Status == domain.JobStatusSuccess && req.FiscalNumber == "" {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	job, err := s.repo.CompleteJob(ctx, tenantID, jobID, req.Status, req.FiscalNumber, req.ResponseData, req.ErrorMessage, now)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveJobCompleted(req.Status)

	if req.Status == domain.JobStatusSuccess {
		switch {
		case job.SaleID != "":
			if err := s.repo.SetSaleFiscalNumber(ctx, tenantID, job.SaleID, req.FiscalNumber); err != nil {
				log.Printf("[fiscal] WARN: failed to record fiscal number for sale %s: %v", job.SaleID, err)
			}
		case job.ReturnID != "":
			if err := s.repo.SetReturnFiscalNumber(ctx, tenantID, job.ReturnID, req.FiscalNumber); err != nil {
				log.Printf("[fiscal] WARN: failed to record fiscal number for return %s: %v", job.ReturnID, err)
			}
		}
	}

	attemptStatus := domain.AttemptStatusSuccess
	if req.Status == domain.JobStatusFailed {
		attemptStatus = domain.AttemptStatusFailed
	}
	if job.AttemptID == "" {
		log.Printf("[fiscal] WARN: job %s carries no attempt row", jobID)
	} else if _, err := s.repo.CompleteAttempt(ctx, tenantID, job.AttemptID, attemptStatus, req.FiscalNumber, req.ResponseData, req.ErrorMessage, now); err != nil {
		log.Printf("[fiscal] WARN: failed to resolve attempt %s for job %s: %v", job.AttemptID, jobID, err)
	}
	s.metrics.ObserveAttempt(attemptStatus)

	return job, nil
}

func (s *Service) ListAttempts(ctx context.Context, limit int) ([]domain.FiscalAttempt, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAttempts(ctx, tenantID, limit)
}

func (s *Service) GetAttemptStats(ctx context.Context) (domain.AttemptStats, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return domain.AttemptStats{}, err
	}
	return s.repo.GetAttemptStats(ctx, tenantID)
}

func (s *Service) OpenShift(ctx context.Context) (*domain.DeviceConfig, error) {
	return s.setShift(ctx, true)
}

func (s *Service) CloseShift(ctx context.Context) (*domain.DeviceConfig, error) {
	return s.setShift(ctx, false)
}

func (s *Service) setShift(ctx context.Context, open bool) (*domain.DeviceConfig, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	cfg, err := s.repo.SetShiftOpen(ctx, actor.TenantID, open)
	if err != nil {
		return nil, err
	}
	return redactConfig(cfg), nil
}

// GetDeviceConfig returns the tenant's active device config with
// credential values masked. Keys stay visible so an admin can see which
// fields are set without the UI ever holding the secrets.
func (s *Service) GetDeviceConfig(ctx context.Context) (*domain.DeviceConfig, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.repo.GetActiveDeviceConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return redactConfig(cfg), nil
}

func redactConfig(cfg *domain.DeviceConfig) *domain.DeviceConfig {
	redacted := *cfg
	if cfg.Credentials != nil {
		redacted.Credentials = make(map[string]string, len(cfg.Credentials))
		for key := range cfg.Credentials {
			redacted.Credentials[key] = "********"
		}
	}
	return &redacted
}

func validateSale(sale domain.Sale) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.ErrInvalidInput
	}
	for _, item := range sale.Items {
		if item.Name == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			return store.ErrInvalidInput
		}
	}
	return nil
}
