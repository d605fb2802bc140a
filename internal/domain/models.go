package domain

import "time"

// ProtocolMode describes how a fiscal device vendor expects the requested
// operation to be encoded on the wire.
type ProtocolMode string

const (
	// ModePathAction appends the action as a URL path segment.
	ModePathAction ProtocolMode = "path-action"
	// ModeBodyOperation embeds a vendor operation string under the
	// "operation" key of the request body.
	ModeBodyOperation ProtocolMode = "body-operation"
	// ModeBodyCheckType embeds a numeric code under the "check_type" key
	// of the request body.
	ModeBodyCheckType ProtocolMode = "body-checktype"
)

type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
)

// OperationCode is one entry of a provider's operation table. Exactly one of
// Name or CheckType is meaningful, depending on the provider's ProtocolMode.
type OperationCode struct {
	Name      string `json:"name,omitempty"`
	CheckType int    `json:"check_type,omitempty"`
}

// ProviderEntry is immutable reference data describing one vendor protocol.
type ProviderEntry struct {
	Code                   string                   `json:"code"`
	Name                   string                   `json:"name"`
	DefaultPort            int                      `json:"default_port"`
	APIBasePath            string                   `json:"api_base_path"`
	StatusEndpoint         string                   `json:"status_endpoint"`
	RequiredFields         []string                 `json:"required_fields"`
	ProtocolMode           ProtocolMode             `json:"protocol_mode"`
	OperationTable         map[string]OperationCode `json:"operation_table"`
	AuthScheme             AuthScheme               `json:"auth_scheme"`
	AuthUserField          string                   `json:"auth_user_field,omitempty"`
	AuthSecretField        string                   `json:"auth_secret_field,omitempty"`
	SupportsCreditContract bool                     `json:"supports_credit_contract"`
}

// DeviceConfig is a tenant's fiscal device record. It is created and edited
// by the tenant admin elsewhere; this service only reads it and toggles
// ShiftOpen.
type DeviceConfig struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Provider       string            `json:"provider"`
	IPAddress      string            `json:"ip_address"`
	Port           int               `json:"port"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	IsActive       bool              `json:"is_active"`
	ShiftOpen      bool              `json:"shift_open"`
	DefaultTaxName string            `json:"default_tax_name"`
	DefaultTaxRate float64           `json:"default_tax_rate"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	FiscalEnabled bool      `json:"fiscal_enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

type SaleLine struct {
	Name           string  `json:"name"`
	Qty            int     `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	DiscountCents  int64   `json:"discount_cents"`
	TaxName        string  `json:"tax_name,omitempty"`
	TaxRatePercent float64 `json:"tax_rate_percent,omitempty"`
}

type Payment struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

// Sale carries the fields of a completed sale that fiscalization needs. The
// sale itself is owned by the checkout flow; only FiscalNumber is ever
// written back by this service.
type Sale struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	BranchName    string     `json:"branch_name"`
	BranchAddress string     `json:"branch_address"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	CustomerTaxID string     `json:"customer_tax_id,omitempty"`
	Items         []SaleLine `json:"items"`
	DiscountCents int64      `json:"discount_cents"`
	Payments      []Payment  `json:"payments"`
	FiscalNumber  string     `json:"fiscal_number,omitempty"`
	SoldAt        time.Time  `json:"sold_at"`
}

// ReturnRecord is a sale return awaiting fiscalization.
// OriginalFiscalDocumentID is the vendor reference issued when the original
// sale was fiscalized; some providers refuse a credit without it.
type ReturnRecord struct {
	ID                       string     `json:"id"`
	Number                   string     `json:"number"`
	OriginalSaleID           string     `json:"original_sale_id"`
	OriginalFiscalDocumentID string     `json:"original_fiscal_document_id,omitempty"`
	BranchName               string     `json:"branch_name"`
	BranchAddress            string     `json:"branch_address"`
	CustomerName             string     `json:"customer_name,omitempty"`
	CustomerPhone            string     `json:"customer_phone,omitempty"`
	CustomerTaxID            string     `json:"customer_tax_id,omitempty"`
	Items                    []SaleLine `json:"items"`
	DiscountCents            int64      `json:"discount_cents"`
	Payments                 []Payment  `json:"payments"`
	FiscalNumber             string     `json:"fiscal_number,omitempty"`
	ReturnedAt               time.Time  `json:"returned_at"`
}

// Job is one queued fiscal print. Jobs are created by the sale/return flow
// and fulfilled by the on-site bridge agent; this service never talks to the
// device on the job path.
type Job struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	SaleID       string     `json:"sale_id,omitempty"`
	ReturnID     string     `json:"return_id,omitempty"`
	AttemptID    string     `json:"attempt_id,omitempty"`
	Status       string     `json:"status"`
	Provider     string     `json:"provider"`
	RequestData  string     `json:"request_data"`
	ResponseData string     `json:"response_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	FiscalNumber string     `json:"fiscal_number,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FiscalAttempt is one append-only audit row per print attempt, independent
// of job state. It moves from pending to exactly one terminal state.
type FiscalAttempt struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	SaleID       string     `json:"sale_id,omitempty"`
	ReturnID     string     `json:"return_id,omitempty"`
	Status       string     `json:"status"`
	Provider     string     `json:"provider"`
	RequestData  string     `json:"request_data"`
	ResponseData string     `json:"response_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	FiscalNumber string     `json:"fiscal_number,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type AttemptStats struct {
	TenantID string `json:"tenant_id"`
	Pending  int64  `json:"pending"`
	Success  int64  `json:"success"`
	Failed   int64  `json:"failed"`
	Total    int64  `json:"total"`
}

// PrintResult is the structured outcome of a synchronous print. Device-side
// failures are reported here rather than as Go errors so the caller's
// transaction never aborts on a dead printer.
type PrintResult struct {
	Success      bool   `json:"success"`
	FiscalNumber string `json:"fiscal_number,omitempty"`
	Error        string `json:"error,omitempty"`
	AttemptID    string `json:"attempt_id,omitempty"`
}

type ConnectionStatus struct {
	Reachable    bool   `json:"reachable"`
	Provider     string `json:"provider"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	DeviceStatus string `json:"device_status,omitempty"`
	Error        string `json:"error,omitempty"`
}

type JobClaimRequest struct {
	AgentID string `json:"agent_id"`
}

type JobCompleteRequest struct {
	Status       string `json:"status"`
	FiscalNumber string `json:"fiscal_number,omitempty"`
	ResponseData string `json:"response_data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type PrintNowRequest struct {
	Sale Sale `json:"sale"`
}

type EnqueueSaleRequest struct {
	Sale Sale `json:"sale"`
}

type EnqueueReturnRequest struct {
	Return ReturnRecord `json:"return"`
}

// EnqueueResponse reports whether a job was created. Skipped enqueues are
// not errors: the parent sale or return completes either way.
type EnqueueResponse struct {
	Enqueued   bool   `json:"enqueued"`
	SkipReason string `json:"skip_reason,omitempty"`
	Job        *Job   `json:"job,omitempty"`
}

type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

type AttemptListResponse struct {
	Attempts []FiscalAttempt `json:"attempts"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}

type AgentLoginRequest struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
}

type Actor struct {
	Username string
	Role     string
	TenantID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
}

// AgentCredential authenticates one on-site bridge agent for one tenant.
type AgentCredential struct {
	TenantID  string
	AgentID   string
	KeyHash   string
	Active    bool
	CreatedAt time.Time
}

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusSuccess    = "success"
	JobStatusFailed     = "failed"
)

const (
	AttemptStatusPending = "pending"
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
)

const (
	OperationSale   = "sale"
	OperationReturn = "return"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleAgent   = "agent"
)
