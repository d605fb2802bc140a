package catalog

import "fiscalbridge/backend/internal/domain"

// builtinProviders is the hardcoded fallback for catalog misses only. The
// database catalog is the source of truth; this table exists so a tenant
// whose provider row is missing can still print. Keep the two in sync when
// onboarding a vendor.
var builtinProviders = map[string]domain.ProviderEntry{
	"omnitech": {
		Code:           "omnitech",
		Name:           "Omnitech Kassa",
		DefaultPort:    9898,
		APIBasePath:    "/api/check",
		StatusEndpoint: "status",
		RequiredFields: []string{"serial_number", "security_key"},
		ProtocolMode:   domain.ModeBodyCheckType,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale:   {CheckType: 1},
			domain.OperationReturn: {CheckType: 2},
		},
		AuthScheme:             domain.AuthNone,
		SupportsCreditContract: false,
	},
	"fiscalpro": {
		Code:           "fiscalpro",
		Name:           "FiscalPro Terminal",
		DefaultPort:    8787,
		APIBasePath:    "/api",
		StatusEndpoint: "status",
		RequiredFields: []string{"merchant_id", "access_token"},
		ProtocolMode:   domain.ModePathAction,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale:   {Name: "print"},
			domain.OperationReturn: {Name: "refund"},
		},
		AuthScheme:             domain.AuthBearer,
		AuthSecretField:        "access_token",
		SupportsCreditContract: true,
	},
	"smartkassa": {
		Code:           "smartkassa",
		Name:           "SmartKassa Box",
		DefaultPort:    8080,
		APIBasePath:    "/api/v1",
		StatusEndpoint: "state",
		RequiredFields: []string{"device_code"},
		ProtocolMode:   domain.ModeBodyOperation,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale:   {Name: "sale"},
			domain.OperationReturn: {Name: "credit"},
		},
		AuthScheme:             domain.AuthNone,
		SupportsCreditContract: false,
	},
	"ekassa": {
		Code:           "ekassa",
		Name:           "E-Kassa Register",
		DefaultPort:    9090,
		APIBasePath:    "/fiscal",
		StatusEndpoint: "status",
		RequiredFields: []string{"username", "password"},
		ProtocolMode:   domain.ModePathAction,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale:   {Name: "print"},
			domain.OperationReturn: {Name: "return"},
		},
		AuthScheme:             domain.AuthBasic,
		AuthUserField:          "username",
		AuthSecretField:        "password",
		SupportsCreditContract: false,
	},
	"netkassa": {
		Code:           "netkassa",
		Name:           "NetKassa Gateway",
		DefaultPort:    7575,
		APIBasePath:    "/",
		StatusEndpoint: "health",
		RequiredFields: []string{"serial_number", "token"},
		ProtocolMode:   domain.ModeBodyOperation,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale:   {Name: "sale"},
			domain.OperationReturn: {Name: "refund"},
		},
		AuthScheme:             domain.AuthBearer,
		AuthSecretField:        "token",
		SupportsCreditContract: true,
	},
}

// BuiltinProvider returns the fallback entry for the given code.
func BuiltinProvider(code string) (*domain.ProviderEntry, bool) {
	entry, ok := builtinProviders[code]
	if !ok {
		return nil, false
	}
	copied := entry
	return &copied, true
}

// BuiltinProviderCodes lists the fallback vendor codes, mainly for seeding.
func BuiltinProviderCodes() []string {
	codes := make([]string, 0, len(builtinProviders))
	for code := range builtinProviders {
		codes = append(codes, code)
	}
	return codes
}
