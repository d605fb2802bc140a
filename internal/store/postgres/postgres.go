package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
	"fiscalbridge/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, fiscal_enabled, created_at
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&tenant.ID, &tenant.Name, &tenant.FiscalEnabled, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

func (s *Store) GetActiveDeviceConfig(ctx context.Context, tenantID string) (*domain.DeviceConfig, error) {
	var cfg domain.DeviceConfig
	var credentialsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider, ip_address, port, credentials,
		       is_active, shift_open, default_tax_name, default_tax_rate,
		       created_at, updated_at
		FROM fiscal_device_configs
		WHERE tenant_id = $1 AND is_active = true
	`, tenantID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Provider, &cfg.IPAddress, &cfg.Port, &credentialsJSON,
		&cfg.IsActive, &cfg.ShiftOpen, &cfg.DefaultTaxName, &cfg.DefaultTaxRate,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConfigurationMissing
		}
		return nil, err
	}
	if len(credentialsJSON) > 0 {
		if err := json.Unmarshal(credentialsJSON, &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("decode device credentials: %w", err)
		}
	}
	return &cfg, nil
}

func (s *Store) SetShiftOpen(ctx context.Context, tenantID string, open bool) (*domain.DeviceConfig, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fiscal_device_configs
		SET shift_open = $1, updated_at = now()
		WHERE tenant_id = $2 AND is_active = true
	`, open, tenantID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConfigurationMissing
	}
	return s.GetActiveDeviceConfig(ctx, tenantID)
}

func (s *Store) GetProviderEntry(ctx context.Context, code string) (*domain.ProviderEntry, error) {
	var entry domain.ProviderEntry
	var requiredJSON, operationsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, default_port, api_base_path, status_endpoint,
		       required_fields, protocol_mode, operation_table,
		       auth_scheme, auth_user_field, auth_secret_field, supports_credit_contract
		FROM fiscal_providers
		WHERE code = $1
	`, code).Scan(
		&entry.Code, &entry.Name, &entry.DefaultPort, &entry.APIBasePath, &entry.StatusEndpoint,
		&requiredJSON, &entry.ProtocolMode, &operationsJSON,
		&entry.AuthScheme, &entry.AuthUserField, &entry.AuthSecretField, &entry.SupportsCreditContract,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(requiredJSON) > 0 {
		if err := json.Unmarshal(requiredJSON, &entry.RequiredFields); err != nil {
			return nil, fmt.Errorf("decode provider required fields: %w", err)
		}
	}
	if len(operationsJSON) > 0 {
		if err := json.Unmarshal(operationsJSON, &entry.OperationTable); err != nil {
			return nil, fmt.Errorf("decode provider operation table: %w", err)
		}
	}
	return &entry, nil
}

func (s *Store) CreateAttempt(ctx context.Context, attempt domain.FiscalAttempt) (*domain.FiscalAttempt, error) {
	if attempt.TenantID == "" {
		return nil, store.ErrInvalidInput
	}
	if attempt.ID == "" {
		attempt.ID = xid.New("fat")
	}
	if attempt.Status == "" {
		attempt.Status = domain.AttemptStatusPending
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiscal_attempts
			(id, tenant_id, sale_id, return_id, status, provider,
			 request_data, response_data, error_message, fiscal_number, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, attempt.ID, attempt.TenantID, nullIfEmpty(attempt.SaleID), nullIfEmpty(attempt.ReturnID),
		attempt.Status, attempt.Provider, attempt.RequestData, attempt.ResponseData,
		attempt.ErrorMessage, attempt.FiscalNumber, attempt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := attempt
	return &created, nil
}

func (s *Store) CompleteAttempt(ctx context.Context, tenantID string, attemptID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.FiscalAttempt, error) {
	if status != domain.AttemptStatusSuccess && status != domain.AttemptStatusFailed {
		return nil, store.ErrInvalidInput
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE fiscal_attempts
		SET status = $1, fiscal_number = $2, response_data = $3, error_message = $4, completed_at = $5
		WHERE id = $6 AND tenant_id = $7 AND status = 'pending'
	`, status, fiscalNumber, responseData, errorMessage, at, attemptID, tenantID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		exists, terminal, err := s.attemptState(ctx, tenantID, attemptID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		if terminal {
			return nil, store.ErrAttemptTerminal
		}
		return nil, store.ErrNotFound
	}

	return s.getAttempt(ctx, tenantID, attemptID)
}

func (s *Store) attemptState(ctx context.Context, tenantID string, attemptID string) (exists bool, terminal bool, err error) {
	var status string
	err = s.db.QueryRowContext(ctx, `
		SELECT status FROM fiscal_attempts WHERE id = $1 AND tenant_id = $2
	`, attemptID, tenantID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, status != domain.AttemptStatusPending, nil
}

func (s *Store) getAttempt(ctx context.Context, tenantID string, attemptID string) (*domain.FiscalAttempt, error) {
	var attempt domain.FiscalAttempt
	var saleID, returnID sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, sale_id, return_id, status, provider,
		       request_data, response_data, error_message, fiscal_number,
		       created_at, completed_at
		FROM fiscal_attempts
		WHERE id = $1 AND tenant_id = $2
	`, attemptID, tenantID).Scan(
		&attempt.ID, &attempt.TenantID, &saleID, &returnID, &attempt.Status, &attempt.Provider,
		&attempt.RequestData, &attempt.ResponseData, &attempt.ErrorMessage, &attempt.FiscalNumber,
		&attempt.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	attempt.SaleID = saleID.String
	attempt.ReturnID = returnID.String
	if completedAt.Valid {
		t := completedAt.Time
		attempt.CompletedAt = &t
	}
	return &attempt, nil
}

func (s *Store) ListAttempts(ctx context.Context, tenantID string, limit int) ([]domain.FiscalAttempt, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sale_id, return_id, status, provider,
		       request_data, response_data, error_message, fiscal_number,
		       created_at, completed_at
		FROM fiscal_attempts
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.FiscalAttempt, 0, limit)
	for rows.Next() {
		var attempt domain.FiscalAttempt
		var saleID, returnID sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&attempt.ID, &attempt.TenantID, &saleID, &returnID, &attempt.Status, &attempt.Provider,
			&attempt.RequestData, &attempt.ResponseData, &attempt.ErrorMessage, &attempt.FiscalNumber,
			&attempt.CreatedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		attempt.SaleID = saleID.String
		attempt.ReturnID = returnID.String
		if completedAt.Valid {
			t := completedAt.Time
			attempt.CompletedAt = &t
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return attempts, nil
}

func (s *Store) GetAttemptStats(ctx context.Context, tenantID string) (domain.AttemptStats, error) {
	stats := domain.AttemptStats{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM fiscal_attempts
		WHERE tenant_id = $1
	`, tenantID).Scan(&stats.Pending, &stats.Success, &stats.Failed, &stats.Total)
	if err != nil {
		return domain.AttemptStats{}, err
	}
	return stats, nil
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) (*domain.Job, error) {
	if job.TenantID == "" {
		return nil, store.ErrInvalidInput
	}
	if (job.SaleID == "") == (job.ReturnID == "") {
		return nil, store.ErrInvalidInput
	}
	if job.ID == "" {
		job.ID = xid.New("fjob")
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiscal_jobs
			(id, tenant_id, sale_id, return_id, attempt_id, status, provider,
			 request_data, response_data, error_message, fiscal_number,
			 agent_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, job.ID, job.TenantID, nullIfEmpty(job.SaleID), nullIfEmpty(job.ReturnID),
		nullIfEmpty(job.AttemptID), job.Status, job.Provider, job.RequestData,
		job.ResponseData, job.ErrorMessage, job.FiscalNumber, nullIfEmpty(job.AgentID),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := job
	return &created, nil
}

func (s *Store) GetJob(ctx context.Context, tenantID string, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, tenantID, jobID)
}

func (s *Store) getJob(ctx context.Context, tenantID string, jobID string) (*domain.Job, error) {
	var job domain.Job
	var saleID, returnID, attemptID, agentID sql.NullString
	var claimedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, sale_id, return_id, attempt_id, status, provider,
		       request_data, response_data, error_message, fiscal_number,
		       agent_id, claimed_at, created_at, updated_at
		FROM fiscal_jobs
		WHERE id = $1 AND tenant_id = $2
	`, jobID, tenantID).Scan(
		&job.ID, &job.TenantID, &saleID, &returnID, &attemptID, &job.Status, &job.Provider,
		&job.RequestData, &job.ResponseData, &job.ErrorMessage, &job.FiscalNumber,
		&agentID, &claimedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	job.SaleID = saleID.String
	job.ReturnID = returnID.String
	job.AttemptID = attemptID.String
	job.AgentID = agentID.String
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	return &job, nil
}

func (s *Store) ListPendingJobs(ctx context.Context, tenantID string, limit int) ([]domain.Job, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sale_id, return_id, attempt_id, status, provider,
		       request_data, response_data, error_message, fiscal_number,
		       agent_id, claimed_at, created_at, updated_at
		FROM fiscal_jobs
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		var job domain.Job
		var saleID, returnID, attemptID, agentID sql.NullString
		var claimedAt sql.NullTime
		if err := rows.Scan(
			&job.ID, &job.TenantID, &saleID, &returnID, &attemptID, &job.Status, &job.Provider,
			&job.RequestData, &job.ResponseData, &job.ErrorMessage, &job.FiscalNumber,
			&agentID, &claimedAt, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, err
		}
		job.SaleID = saleID.String
		job.ReturnID = returnID.String
		job.AttemptID = attemptID.String
		job.AgentID = agentID.String
		if claimedAt.Valid {
			t := claimedAt.Time
			job.ClaimedAt = &t
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

// ClaimJob transitions a job from pending to processing. The conditional
// UPDATE makes the claim atomic, so two agents racing for the same job
// cannot both win.
func (s *Store) ClaimJob(ctx context.Context, tenantID string, jobID string, agentID string, at time.Time) (*domain.Job, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'processing', agent_id = $1, claimed_at = $2, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status = 'pending'
	`, agentID, at, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.jobClaimFailure(ctx, tenantID, jobID)
	}

	return s.getJob(ctx, tenantID, jobID)
}

func (s *Store) jobClaimFailure(ctx context.Context, tenantID string, jobID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM fiscal_jobs WHERE id = $1 AND tenant_id = $2
	`, jobID, tenantID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	switch status {
	case domain.JobStatusProcessing:
		return store.ErrJobAlreadyClaimed
	case domain.JobStatusSuccess, domain.JobStatusFailed:
		return store.ErrJobTerminal
	}
	return store.ErrNotFound
}

func (s *Store) CompleteJob(ctx context.Context, tenantID string, jobID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.Job, error) {
	if status != domain.JobStatusSuccess && status != domain.JobStatusFailed {
		return nil, store.ErrInvalidInput
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE fiscal_jobs
		SET status = $1, fiscal_number = $2, response_data = $3, error_message = $4, updated_at = $5
		WHERE id = $6 AND tenant_id = $7 AND status IN ('pending', 'processing')
	`, status, fiscalNumber, responseData, errorMessage, at, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.getJob(ctx, tenantID, jobID); err != nil {
			return nil, err
		}
		return nil, store.ErrJobTerminal
	}

	return s.getJob(ctx, tenantID, jobID)
}

func (s *Store) CountPendingJobs(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fiscal_jobs WHERE status = 'pending'
	`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) SetSaleFiscalNumber(ctx context.Context, tenantID string, saleID string, fiscalNumber string) error {
	if tenantID == "" || saleID == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET fiscal_number = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, fiscalNumber, saleID, tenantID)
	return err
}

func (s *Store) SetReturnFiscalNumber(ctx context.Context, tenantID string, returnID string, fiscalNumber string) error {
	if tenantID == "" || returnID == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE returns
		SET fiscal_number = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, fiscalNumber, returnID, tenantID)
	return err
}

func (s *Store) GetAgentCredential(ctx context.Context, tenantID string, agentID string) (*domain.AgentCredential, error) {
	var cred domain.AgentCredential
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, agent_id, key_hash, active, created_at
		FROM fiscal_agents
		WHERE tenant_id = $1 AND agent_id = $2
	`, tenantID, agentID).Scan(&cred.TenantID, &cred.AgentID, &cred.KeyHash, &cred.Active, &cred.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, tenant_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.TenantID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, tenant_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
