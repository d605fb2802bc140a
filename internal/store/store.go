package store

import (
	"context"
	"errors"
	"time"

	"fiscalbridge/backend/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConfigurationMissing  = errors.New("no active device configuration")
	ErrCredentialsIncomplete = errors.New("device credentials incomplete")
	ErrJobAlreadyClaimed     = errors.New("job already claimed")
	ErrJobTerminal           = errors.New("job already in a terminal state")
	ErrAttemptTerminal       = errors.New("attempt already in a terminal state")
	ErrInvalidInput          = errors.New("invalid input")
)

type Repository interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)

	GetActiveDeviceConfig(ctx context.Context, tenantID string) (*domain.DeviceConfig, error)
	SetShiftOpen(ctx context.Context, tenantID string, open bool) (*domain.DeviceConfig, error)

	GetProviderEntry(ctx context.Context, code string) (*domain.ProviderEntry, error)

	CreateAttempt(ctx context.Context, attempt domain.FiscalAttempt) (*domain.FiscalAttempt, error)
	CompleteAttempt(ctx context.Context, tenantID string, attemptID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.FiscalAttempt, error)
	ListAttempts(ctx context.Context, tenantID string, limit int) ([]domain.FiscalAttempt, error)
	GetAttemptStats(ctx context.Context, tenantID string) (domain.AttemptStats, error)

	CreateJob(ctx context.Context, job domain.Job) (*domain.Job, error)
	GetJob(ctx context.Context, tenantID string, jobID string) (*domain.Job, error)
	ListPendingJobs(ctx context.Context, tenantID string, limit int) ([]domain.Job, error)
	ClaimJob(ctx context.Context, tenantID string, jobID string, agentID string, at time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, tenantID string, jobID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.Job, error)
	CountPendingJobs(ctx context.Context) (int64, error)

	SetSaleFiscalNumber(ctx context.Context, tenantID string, saleID string, fiscalNumber string) error
	SetReturnFiscalNumber(ctx context.Context, tenantID string, returnID string, fiscalNumber string) error

	GetAgentCredential(ctx context.Context, tenantID string, agentID string) (*domain.AgentCredential, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
