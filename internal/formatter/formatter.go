package formatter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

// Request is a fully-resolved device call, tagged by the provider's protocol
// mode so callers can tell the three wire shapes apart without inspecting
// the payload.
type Request struct {
	Mode    domain.ProtocolMode `json:"mode"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string]string   `json:"headers"`
	Payload Payload             `json:"payload"`
}

// Body serializes the payload for the wire.
func (r Request) Body() ([]byte, error) {
	return json.Marshal(r.Payload)
}

type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	TaxID string `json:"tax_id,omitempty"`
}

type Line struct {
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
	TaxName   string `json:"tax_name"`
	TaxRate   string `json:"tax_rate"`
	TaxAmount string `json:"tax_amount"`
	Discount  string `json:"discount"`
}

type PaymentEntry struct {
	Method string `json:"method"`
	Amount string `json:"amount"`
}

// Payload is the provider request body. Base fields are shared by every
// vendor; Extra carries the provider-specific credential fields and is
// flattened onto the top level during serialization.
type Payload struct {
	Operation        string            `json:"operation,omitempty"`
	CheckType        *int              `json:"check_type,omitempty"`
	SaleID           string            `json:"sale_id,omitempty"`
	ReturnID         string            `json:"return_id,omitempty"`
	OriginalSaleID   string            `json:"original_sale_id,omitempty"`
	FiscalDocumentID string            `json:"fiscal_document_id,omitempty"`
	Number           string            `json:"number"`
	Timestamp        string            `json:"timestamp"`
	BranchName       string            `json:"branch_name"`
	BranchAddress    string            `json:"branch_address"`
	Customer         *Customer         `json:"customer,omitempty"`
	Items            []Line            `json:"items"`
	Subtotal         string            `json:"subtotal"`
	Tax              string            `json:"tax"`
	Discount         string            `json:"discount"`
	Total            string            `json:"total"`
	Payments         []PaymentEntry    `json:"payments"`
	TotalCents       int64             `json:"-"`
	Extra            map[string]string `json:"-"`
}

// MarshalJSON flattens Extra onto the top-level object. encoding/json sorts
// map keys, so identical inputs always produce identical bytes.
func (p Payload) MarshalJSON() ([]byte, error) {
	type base Payload
	raw, err := json.Marshal(base(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return raw, nil
	}

	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for key, value := range p.Extra {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = encoded
	}
	return json.Marshal(merged)
}

// FormatSale turns a sale plus device config into a ready-to-send request.
// It is pure: no clock, no I/O, no hidden state.
func FormatSale(cfg domain.DeviceConfig, entry domain.ProviderEntry, sale domain.Sale) (*Request, error) {
	payload := basePayload(cfg, sale.Items, sale.DiscountCents, sale.Payments, sale.SoldAt)
	payload.SaleID = sale.ID
	payload.Number = sale.Number
	payload.BranchName = sale.BranchName
	payload.BranchAddress = sale.BranchAddress
	payload.Customer = customerBlock(sale.CustomerName, sale.CustomerPhone, sale.CustomerTaxID)

	return assemble(cfg, entry, payload, domain.OperationSale)
}

// FormatReturn is the credit/refund counterpart of FormatSale.
func FormatReturn(cfg domain.DeviceConfig, entry domain.ProviderEntry, ret domain.ReturnRecord) (*Request, error) {
	payload := basePayload(cfg, ret.Items, ret.DiscountCents, ret.Payments, ret.ReturnedAt)
	payload.ReturnID = ret.ID
	payload.Number = ret.Number
	payload.OriginalSaleID = ret.OriginalSaleID
	payload.FiscalDocumentID = ret.OriginalFiscalDocumentID
	payload.BranchName = ret.BranchName
	payload.BranchAddress = ret.BranchAddress
	payload.Customer = customerBlock(ret.CustomerName, ret.CustomerPhone, ret.CustomerTaxID)

	return assemble(cfg, entry, payload, domain.OperationReturn)
}

// StatusRequest resolves the provider's status endpoint with the same auth
// convention as prints. No payload is sent.
func StatusRequest(cfg domain.DeviceConfig, entry domain.ProviderEntry) (*Request, error) {
	headers, err := resolveHeaders(cfg, entry)
	if err != nil {
		return nil, err
	}
	return &Request{
		Mode:    entry.ProtocolMode,
		Method:  "GET",
		URL:     joinURL(deviceBaseURL(cfg, entry), entry.StatusEndpoint),
		Headers: headers,
	}, nil
}

func assemble(cfg domain.DeviceConfig, entry domain.ProviderEntry, payload Payload, op string) (*Request, error) {
	extra, err := providerExtension(cfg, entry)
	if err != nil {
		return nil, err
	}
	payload.Extra = extra

	headers, err := resolveHeaders(cfg, entry)
	if err != nil {
		return nil, err
	}

	url := deviceBaseURL(cfg, entry)
	code, hasCode := entry.OperationTable[op]

	switch entry.ProtocolMode {
	case domain.ModePathAction:
		action := code.Name
		if action == "" {
			action = op
		}
		url = joinURL(url, action)
	case domain.ModeBodyOperation:
		if !hasCode || code.Name == "" {
			return nil, fmt.Errorf("provider %s: no operation code for %q: %w", entry.Code, op, store.ErrNotFound)
		}
		payload.Operation = code.Name
	case domain.ModeBodyCheckType:
		if !hasCode {
			return nil, fmt.Errorf("provider %s: no check type for %q: %w", entry.Code, op, store.ErrNotFound)
		}
		checkType := code.CheckType
		payload.CheckType = &checkType
	default:
		return nil, fmt.Errorf("provider %s: unknown protocol mode %q", entry.Code, entry.ProtocolMode)
	}

	return &Request{
		Mode:    entry.ProtocolMode,
		Method:  "POST",
		URL:     url,
		Headers: headers,
		Payload: payload,
	}, nil
}

func basePayload(cfg domain.DeviceConfig, items []domain.SaleLine, discountCents int64, payments []domain.Payment, at time.Time) Payload {
	var subtotal, lineDiscounts, taxTotal int64
	lines := make([]Line, 0, len(items))

	for _, item := range items {
		gross := int64(item.Qty) * item.UnitPriceCents
		lineTotal := gross - item.DiscountCents
		if lineTotal < 0 {
			lineTotal = 0
		}

		taxName := item.TaxName
		taxRate := item.TaxRatePercent
		if taxName == "" {
			taxName = cfg.DefaultTaxName
			taxRate = cfg.DefaultTaxRate
		}
		taxAmount := roundTax(lineTotal, taxRate)

		subtotal += gross
		lineDiscounts += item.DiscountCents
		taxTotal += taxAmount

		lines = append(lines, Line{
			Name:      item.Name,
			Qty:       item.Qty,
			UnitPrice: centsToAmount(item.UnitPriceCents),
			Total:     centsToAmount(lineTotal),
			TaxName:   taxName,
			TaxRate:   fmt.Sprintf("%g", taxRate),
			TaxAmount: centsToAmount(taxAmount),
			Discount:  centsToAmount(item.DiscountCents),
		})
	}

	discount := discountCents + lineDiscounts
	if discount > subtotal {
		discount = subtotal
	}
	total := subtotal - discount + taxTotal

	paymentEntries := make([]PaymentEntry, 0, len(payments))
	for _, payment := range payments {
		paymentEntries = append(paymentEntries, PaymentEntry{
			Method: payment.Method,
			Amount: centsToAmount(payment.AmountCents),
		})
	}

	return Payload{
		Timestamp:  at.UTC().Format(time.RFC3339),
		Items:      lines,
		Subtotal:   centsToAmount(subtotal),
		Tax:        centsToAmount(taxTotal),
		Discount:   centsToAmount(discount),
		Total:      centsToAmount(total),
		TotalCents: total,
		Payments:   paymentEntries,
	}
}

// providerExtension copies every credential field the provider requires into
// the payload. The required set comes from catalog data, not from vendor
// branches in code.
func providerExtension(cfg domain.DeviceConfig, entry domain.ProviderEntry) (map[string]string, error) {
	if len(entry.RequiredFields) == 0 {
		return nil, nil
	}
	extra := make(map[string]string, len(entry.RequiredFields))
	for _, field := range entry.RequiredFields {
		value, ok := cfg.Credentials[field]
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("provider %s requires %q: %w", entry.Code, field, store.ErrCredentialsIncomplete)
		}
		extra[field] = value
	}
	return extra, nil
}

func resolveHeaders(cfg domain.DeviceConfig, entry domain.ProviderEntry) (map[string]string, error) {
	headers := map[string]string{"Content-Type": "application/json"}

	switch entry.AuthScheme {
	case domain.AuthNone, "":
		return headers, nil
	case domain.AuthBearer:
		secret := strings.TrimSpace(cfg.Credentials[entry.AuthSecretField])
		if secret == "" {
			return nil, fmt.Errorf("provider %s bearer auth needs %q: %w", entry.Code, entry.AuthSecretField, store.ErrCredentialsIncomplete)
		}
		headers["Authorization"] = "Bearer " + secret
	case domain.AuthBasic:
		user := strings.TrimSpace(cfg.Credentials[entry.AuthUserField])
		pass := strings.TrimSpace(cfg.Credentials[entry.AuthSecretField])
		if user == "" || pass == "" {
			return nil, fmt.Errorf("provider %s basic auth needs %q and %q: %w", entry.Code, entry.AuthUserField, entry.AuthSecretField, store.ErrCredentialsIncomplete)
		}
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	default:
		return nil, fmt.Errorf("provider %s: unknown auth scheme %q", entry.Code, entry.AuthScheme)
	}

	return headers, nil
}

func deviceBaseURL(cfg domain.DeviceConfig, entry domain.ProviderEntry) string {
	port := cfg.Port
	if port == 0 {
		port = entry.DefaultPort
	}
	base := strings.TrimRight(entry.APIBasePath, "/")
	return fmt.Sprintf("http://%s:%d%s", cfg.IPAddress, port, base)
}

func joinURL(base string, segment string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(segment, "/")
}

func centsToAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func roundTax(amountCents int64, ratePercent float64) int64 {
	if ratePercent <= 0 || amountCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(amountCents) * ratePercent / 100))
}

func customerBlock(name string, phone string, taxID string) *Customer {
	if name == "" && phone == "" && taxID == "" {
		return nil
	}
	return &Customer{Name: name, Phone: phone, TaxID: taxID}
}
