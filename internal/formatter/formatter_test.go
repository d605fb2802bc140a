package formatter

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fiscalbridge/backend/internal/catalog"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

func testConfig(provider string, creds map[string]string) domain.DeviceConfig {
	return domain.DeviceConfig{
		ID:             "cfg-1",
		TenantID:       "tenant-1",
		Provider:       provider,
		IPAddress:      "10.0.0.5",
		Port:           9898,
		Credentials:    creds,
		IsActive:       true,
		ShiftOpen:      true,
		DefaultTaxName: "VAT",
		DefaultTaxRate: 18,
	}
}

func testSale() domain.Sale {
	return domain.Sale{
		ID:            "sale-1",
		Number:        "S-0001",
		BranchName:    "Main Branch",
		BranchAddress: "28 May St 4",
		CustomerName:  "Leyla Q.",
		Items: []domain.SaleLine{
			{Name: "Coffee", Qty: 1, UnitPriceCents: 1000},
			{Name: "Juice", Qty: 1, UnitPriceCents: 550},
		},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 1829}},
		SoldAt:   time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
}

func mustBuiltin(t *testing.T, code string) domain.ProviderEntry {
	t.Helper()
	entry, ok := catalog.BuiltinProvider(code)
	if !ok {
		t.Fatalf("builtin provider %s missing", code)
	}
	return *entry
}

func payloadKeys(t *testing.T, req *Request) map[string]json.RawMessage {
	t.Helper()
	body, err := req.Body()
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	return keys
}

func TestFormatSaleContainsAllRequiredFields(t *testing.T) {
	creds := map[string]string{
		"serial_number": "SN-1", "security_key": "KEY-1", "merchant_id": "M-1",
		"access_token": "AT-1", "device_code": "D-1", "username": "u1",
		"password": "p1", "token": "T-1",
	}
	for _, code := range catalog.BuiltinProviderCodes() {
		entry := mustBuiltin(t, code)
		req, err := FormatSale(testConfig(code, creds), entry, testSale())
		if err != nil {
			t.Fatalf("%s: format failed: %v", code, err)
		}
		keys := payloadKeys(t, req)
		for _, field := range entry.RequiredFields {
			if _, ok := keys[field]; !ok {
				t.Fatalf("%s: payload missing required field %q", code, field)
			}
		}
	}
}

func TestFormatSaleIsDeterministic(t *testing.T) {
	entry := mustBuiltin(t, "omnitech")
	cfg := testConfig("omnitech", map[string]string{"serial_number": "SN-1", "security_key": "KEY-1"})
	sale := testSale()

	first, err := FormatSale(cfg, entry, sale)
	if err != nil {
		t.Fatalf("first format: %v", err)
	}
	second, err := FormatSale(cfg, entry, sale)
	if err != nil {
		t.Fatalf("second format: %v", err)
	}

	firstBody, _ := first.Body()
	secondBody, _ := second.Body()
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("expected byte-identical payloads:\n%s\n%s", firstBody, secondBody)
	}
	if first.URL != second.URL {
		t.Fatalf("expected identical URLs, got %s vs %s", first.URL, second.URL)
	}
}

func TestPathActionEndpointResolution(t *testing.T) {
	entry := domain.ProviderEntry{
		Code:         "pathvendor",
		APIBasePath:  "/api",
		ProtocolMode: domain.ModePathAction,
		OperationTable: map[string]domain.OperationCode{
			domain.OperationSale: {Name: "print"},
		},
		AuthScheme: domain.AuthNone,
	}
	req, err := FormatSale(testConfig("pathvendor", nil), entry, testSale())
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if req.URL != "http://10.0.0.5:9898/api/print" {
		t.Fatalf("unexpected URL: %s", req.URL)
	}
	if req.Mode != domain.ModePathAction {
		t.Fatalf("unexpected mode: %s", req.Mode)
	}
	keys := payloadKeys(t, req)
	if _, ok := keys["operation"]; ok {
		t.Fatalf("path-action payload must not carry an operation field")
	}
}

func TestBodyOperationStaysOnBasePath(t *testing.T) {
	entry := mustBuiltin(t, "smartkassa")
	cfg := testConfig("smartkassa", map[string]string{"device_code": "D-1"})

	req, err := FormatSale(cfg, entry, testSale())
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if req.URL != "http://10.0.0.5:9898/api/v1" {
		t.Fatalf("expected bare base path URL, got %s", req.URL)
	}
	if req.Payload.Operation != "sale" {
		t.Fatalf("expected operation \"sale\", got %q", req.Payload.Operation)
	}
}

func TestBodyCheckTypeUsesOperationTable(t *testing.T) {
	entry := mustBuiltin(t, "omnitech")
	cfg := testConfig("omnitech", map[string]string{"serial_number": "SN-1", "security_key": "KEY-1"})

	req, err := FormatSale(cfg, entry, testSale())
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if req.Payload.CheckType == nil || *req.Payload.CheckType != 1 {
		t.Fatalf("expected check_type 1, got %v", req.Payload.CheckType)
	}
	if req.Payload.Total != "18.29" {
		t.Fatalf("expected total 18.29, got %s", req.Payload.Total)
	}
	if req.Payload.Tax != "2.79" {
		t.Fatalf("expected tax 2.79, got %s", req.Payload.Tax)
	}
}

func TestFormatReturnCarriesFiscalLinkage(t *testing.T) {
	entry := mustBuiltin(t, "fiscalpro")
	cfg := testConfig("fiscalpro", map[string]string{"merchant_id": "M-1", "access_token": "AT-1"})

	ret := domain.ReturnRecord{
		ID:                       "ret-1",
		Number:                   "R-0001",
		OriginalSaleID:           "sale-1",
		OriginalFiscalDocumentID: "FD-777",
		BranchName:               "Main Branch",
		Items:                    []domain.SaleLine{{Name: "Coffee", Qty: 1, UnitPriceCents: 1000}},
		Payments:                 []domain.Payment{{Method: "cash", AmountCents: 1180}},
		ReturnedAt:               time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
	}
	req, err := FormatReturn(cfg, entry, ret)
	if err != nil {
		t.Fatalf("format return: %v", err)
	}
	if req.URL != "http://10.0.0.5:9898/api/refund" {
		t.Fatalf("unexpected refund URL: %s", req.URL)
	}
	if req.Payload.FiscalDocumentID != "FD-777" {
		t.Fatalf("expected fiscal document id, got %q", req.Payload.FiscalDocumentID)
	}
	if req.Headers["Authorization"] != "Bearer AT-1" {
		t.Fatalf("expected bearer header, got %q", req.Headers["Authorization"])
	}
}

func TestFormatSaleRejectsIncompleteCredentials(t *testing.T) {
	entry := mustBuiltin(t, "omnitech")
	cfg := testConfig("omnitech", map[string]string{"serial_number": "SN-1"})

	_, err := FormatSale(cfg, entry, testSale())
	if !errors.Is(err, store.ErrCredentialsIncomplete) {
		t.Fatalf("expected ErrCredentialsIncomplete, got %v", err)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	entry := mustBuiltin(t, "ekassa")
	cfg := testConfig("ekassa", map[string]string{"username": "kassa", "password": "secret"})

	req, err := FormatSale(cfg, entry, testSale())
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	// base64("kassa:secret")
	if req.Headers["Authorization"] != "Basic a2Fzc2E6c2VjcmV0" {
		t.Fatalf("unexpected basic header: %q", req.Headers["Authorization"])
	}
}

func TestDefaultTaxAppliedWhenLineHasNone(t *testing.T) {
	entry := mustBuiltin(t, "smartkassa")
	cfg := testConfig("smartkassa", map[string]string{"device_code": "D-1"})
	sale := testSale()
	sale.Items = []domain.SaleLine{
		{Name: "Water", Qty: 2, UnitPriceCents: 100, TaxName: "EXEMPT", TaxRatePercent: 0},
		{Name: "Snack", Qty: 1, UnitPriceCents: 1000},
	}

	req, err := FormatSale(cfg, entry, sale)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if req.Payload.Items[0].TaxName != "EXEMPT" || req.Payload.Items[0].TaxAmount != "0.00" {
		t.Fatalf("expected explicit tax kept, got %+v", req.Payload.Items[0])
	}
	if req.Payload.Items[1].TaxName != "VAT" || req.Payload.Items[1].TaxAmount != "1.80" {
		t.Fatalf("expected default tax applied, got %+v", req.Payload.Items[1])
	}
}

func TestStatusRequestUsesStatusEndpoint(t *testing.T) {
	entry := mustBuiltin(t, "fiscalpro")
	cfg := testConfig("fiscalpro", map[string]string{"merchant_id": "M-1", "access_token": "AT-1"})

	req, err := StatusRequest(cfg, entry)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	if req.Method != "GET" {
		t.Fatalf("expected GET, got %s", req.Method)
	}
	if req.URL != "http://10.0.0.5:9898/api/status" {
		t.Fatalf("unexpected status URL: %s", req.URL)
	}
}
