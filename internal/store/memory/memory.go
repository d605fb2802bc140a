package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fiscalbridge/backend/internal/catalog"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
	"fiscalbridge/backend/internal/xid"
)

type Store struct {
	mu                  sync.RWMutex
	tenants             map[string]domain.Tenant
	deviceConfigs       map[string]domain.DeviceConfig
	providerEntries     map[string]domain.ProviderEntry
	attemptsByID        map[string]domain.FiscalAttempt
	attemptOrder        []string
	jobsByID            map[string]domain.Job
	jobOrder            []string
	saleFiscalNumbers   map[string]map[string]string
	returnFiscalNumbers map[string]map[string]string
	agentCredentials    map[string]domain.AgentCredential
	usersByUsername     map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			TenantID:  "tenant-1",
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func seedAgentCredentials() map[string]domain.AgentCredential {
	agentKey := envOr("SEED_AGENT_KEY", "agent-key-123")
	hash, err := bcrypt.GenerateFromPassword([]byte(agentKey), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed agent key: %v", err)
	}
	return map[string]domain.AgentCredential{
		agentKeyFor("tenant-1", "agent-1"): {
			TenantID:  "tenant-1",
			AgentID:   "agent-1",
			KeyHash:   string(hash),
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with two tenants: tenant-1 has an
// active omnitech device with an open shift, tenant-2 an active fiscalpro
// device whose shift is closed. netkassa is deliberately absent from the
// seeded catalog so the built-in fallback path stays exercised in dev mode.
func NewSeeded() *Store {
	now := time.Now().UTC()

	providerEntries := make(map[string]domain.ProviderEntry, 4)
	for _, code := range []string{"omnitech", "fiscalpro", "smartkassa", "ekassa"} {
		if entry, ok := catalog.BuiltinProvider(code); ok {
			providerEntries[code] = *entry
		}
	}

	tenants := map[string]domain.Tenant{
		"tenant-1": {ID: "tenant-1", Name: "Araz Market", FiscalEnabled: true, CreatedAt: now},
		"tenant-2": {ID: "tenant-2", Name: "Khazar Cafe", FiscalEnabled: true, CreatedAt: now},
		"tenant-3": {ID: "tenant-3", Name: "Gala Books", FiscalEnabled: false, CreatedAt: now},
	}

	deviceConfigs := map[string]domain.DeviceConfig{
		"tenant-1": {
			ID:        "devcfg-1",
			TenantID:  "tenant-1",
			Provider:  "omnitech",
			IPAddress: "192.168.1.50",
			Port:      9898,
			Credentials: map[string]string{
				"serial_number": "OMN-001122",
				"security_key":  "sk-dev-001",
			},
			IsActive:       true,
			ShiftOpen:      true,
			DefaultTaxName: "VAT",
			DefaultTaxRate: 18,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		"tenant-2": {
			ID:        "devcfg-2",
			TenantID:  "tenant-2",
			Provider:  "fiscalpro",
			IPAddress: "192.168.2.60",
			Port:      8787,
			Credentials: map[string]string{
				"merchant_id":  "M-2200",
				"access_token": "at-dev-002",
			},
			IsActive:       true,
			ShiftOpen:      false,
			DefaultTaxName: "VAT",
			DefaultTaxRate: 18,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	return &Store{
		tenants:             tenants,
		deviceConfigs:       deviceConfigs,
		providerEntries:     providerEntries,
		attemptsByID:        make(map[string]domain.FiscalAttempt),
		attemptOrder:        make([]string, 0, 64),
		jobsByID:            make(map[string]domain.Job),
		jobOrder:            make([]string, 0, 64),
		saleFiscalNumbers:   make(map[string]map[string]string),
		returnFiscalNumbers: make(map[string]map[string]string),
		agentCredentials:    seedAgentCredentials(),
		usersByUsername:     seedUsers(),
	}
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[tenantID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := tenant
	return &copied, nil
}

func (s *Store) GetActiveDeviceConfig(_ context.Context, tenantID string) (*domain.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.deviceConfigs[tenantID]
	if !exists || !cfg.IsActive {
		return nil, store.ErrConfigurationMissing
	}
	copied := cfg
	copied.Credentials = copyCredentials(cfg.Credentials)
	return &copied, nil
}

func (s *Store) SetShiftOpen(_ context.Context, tenantID string, open bool) (*domain.DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.deviceConfigs[tenantID]
	if !exists || !cfg.IsActive {
		return nil, store.ErrConfigurationMissing
	}
	cfg.ShiftOpen = open
	cfg.UpdatedAt = time.Now().UTC()
	s.deviceConfigs[tenantID] = cfg

	copied := cfg
	copied.Credentials = copyCredentials(cfg.Credentials)
	return &copied, nil
}

func (s *Store) GetProviderEntry(_ context.Context, code string) (*domain.ProviderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.providerEntries[code]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := entry
	return &copied, nil
}

func (s *Store) CreateAttempt(_ context.Context, attempt domain.FiscalAttempt) (*domain.FiscalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.attemptsByID[attempt.ID] = attempt
	s.attemptOrder = append(s.attemptOrder, attempt.ID)
	copied := attempt
	return &copied, nil
}

func (s *Store) CompleteAttempt(_ context.Context, tenantID string, attemptID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.FiscalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, exists := s.attemptsByID[attemptID]
	if !exists || attempt.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if attempt.Status != domain.AttemptStatusPending {
		return nil, store.ErrAttemptTerminal
	}
	if status != domain.AttemptStatusSuccess && status != domain.AttemptStatusFailed {
		return nil, store.ErrInvalidInput
	}

	attempt.Status = status
	attempt.FiscalNumber = fiscalNumber
	attempt.ResponseData = responseData
	attempt.ErrorMessage = errorMessage
	completedAt := at
	attempt.CompletedAt = &completedAt
	s.attemptsByID[attemptID] = attempt

	copied := attempt
	return &copied, nil
}

func (s *Store) ListAttempts(_ context.Context, tenantID string, limit int) ([]domain.FiscalAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}

	attempts := make([]domain.FiscalAttempt, 0, limit)
	for i := len(s.attemptOrder) - 1; i >= 0 && len(attempts) < limit; i-- {
		attempt := s.attemptsByID[s.attemptOrder[i]]
		if attempt.TenantID != tenantID {
			continue
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

func (s *Store) GetAttemptStats(_ context.Context, tenantID string) (domain.AttemptStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.AttemptStats{TenantID: tenantID}
	for _, attempt := range s.attemptsByID {
		if attempt.TenantID != tenantID {
			continue
		}
		switch attempt.Status {
		case domain.AttemptStatusPending:
			stats.Pending++
		case domain.AttemptStatusSuccess:
			stats.Success++
		case domain.AttemptStatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

func (s *Store) CreateJob(_ context.Context, job domain.Job) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.TenantID == "" {
		return nil, store.ErrInvalidInput
	}
	if (job.SaleID == "") == (job.ReturnID == "") {
		// exactly one of sale_id / return_id
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

	s.jobsByID[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	copied := job
	return &copied, nil
}

func (s *Store) GetJob(_ context.Context, tenantID string, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobsByID[jobID]
	if !exists || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := job
	return &copied, nil
}

func (s *Store) ListPendingJobs(_ context.Context, tenantID string, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 20
	}

	jobs := make([]domain.Job, 0, limit)
	for _, id := range s.jobOrder {
		if len(jobs) >= limit {
			break
		}
		job := s.jobsByID[id]
		if job.TenantID != tenantID || job.Status != domain.JobStatusPending {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimJob performs the conditional pending->processing transition. Under
// the single store mutex the check-and-set is atomic, which is what keeps
// two agents from fulfilling the same job twice.
func (s *Store) ClaimJob(_ context.Context, tenantID string, jobID string, agentID string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobsByID[jobID]
	if !exists || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	switch job.Status {
	case domain.JobStatusPending:
		// claimable
	case domain.JobStatusProcessing:
		return nil, store.ErrJobAlreadyClaimed
	default:
		return nil, store.ErrJobTerminal
	}

	job.Status = domain.JobStatusProcessing
	job.AgentID = agentID
	claimedAt := at
	job.ClaimedAt = &claimedAt
	job.UpdatedAt = at
	s.jobsByID[jobID] = job

	copied := job
	return &copied, nil
}

func (s *Store) CompleteJob(_ context.Context, tenantID string, jobID string, status string, fiscalNumber string, responseData string, errorMessage string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobsByID[jobID]
	if !exists || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if job.Status == domain.JobStatusSuccess || job.Status == domain.JobStatusFailed {
		return nil, store.ErrJobTerminal
	}
	if status != domain.JobStatusSuccess && status != domain.JobStatusFailed {
		return nil, store.ErrInvalidInput
	}

	job.Status = status
	job.FiscalNumber = fiscalNumber
	job.ResponseData = responseData
	job.ErrorMessage = errorMessage
	job.UpdatedAt = at
	s.jobsByID[jobID] = job

	copied := job
	return &copied, nil
}

func (s *Store) CountPendingJobs(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, job := range s.jobsByID {
		if job.Status == domain.JobStatusPending {
			count++
		}
	}
	return count, nil
}

func (s *Store) SetSaleFiscalNumber(_ context.Context, tenantID string, saleID string, fiscalNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenantID == "" || saleID == "" {
		return store.ErrInvalidInput
	}
	if s.saleFiscalNumbers[tenantID] == nil {
		s.saleFiscalNumbers[tenantID] = make(map[string]string)
	}
	s.saleFiscalNumbers[tenantID][saleID] = fiscalNumber
	return nil
}

func (s *Store) SetReturnFiscalNumber(_ context.Context, tenantID string, returnID string, fiscalNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenantID == "" || returnID == "" {
		return store.ErrInvalidInput
	}
	if s.returnFiscalNumbers[tenantID] == nil {
		s.returnFiscalNumbers[tenantID] = make(map[string]string)
	}
	s.returnFiscalNumbers[tenantID][returnID] = fiscalNumber
	return nil
}

// SaleFiscalNumber is a test/dev helper exposing the write-back result.
func (s *Store) SaleFiscalNumber(tenantID string, saleID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	numbers, ok := s.saleFiscalNumbers[tenantID]
	if !ok {
		return "", false
	}
	number, ok := numbers[saleID]
	return number, ok
}

func (s *Store) GetAgentCredential(_ context.Context, tenantID string, agentID string) (*domain.AgentCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, exists := s.agentCredentials[agentKeyFor(tenantID, agentID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := cred
	return &copied, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// UpsertDeviceConfig replaces a tenant's device config. Used by tests and
// dev tooling; production configs are managed by the tenant admin service.
func (s *Store) UpsertDeviceConfig(cfg domain.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceConfigs[cfg.TenantID] = cfg
}

// RemoveDeviceConfig drops a tenant's device config.
func (s *Store) RemoveDeviceConfig(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deviceConfigs, tenantID)
}

// UpsertProviderEntry adds or replaces a catalog row.
func (s *Store) UpsertProviderEntry(entry domain.ProviderEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerEntries[entry.Code] = entry
}

func copyCredentials(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func agentKeyFor(tenantID string, agentID string) string {
	return tenantID + "/" + agentID
}
