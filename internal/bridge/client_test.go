package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/formatter"
)

func printRequest(url string) *formatter.Request {
	return &formatter.Request{
		Mode:    domain.ModePathAction,
		Method:  "POST",
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Payload: formatter.Payload{Number: "S-0001", Total: "18.29"},
	}
}

func TestExecuteParsesSuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %s", ct)
		}
		w.Write([]byte(`{"success": true, "fiscal_number": "FN123"}`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	resp, err := client.Execute(context.Background(), printRequest(server.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}
	if resp.FiscalNumber != "FN123" {
		t.Fatalf("expected FN123, got %q", resp.FiscalNumber)
	}
}

func TestExecuteParsesCamelCaseFiscalNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "OK", "fiscalNumber": "FN456"}`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	resp, err := client.Execute(context.Background(), printRequest(server.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success || resp.FiscalNumber != "FN456" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExecuteReportsVendorRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "shift-z report required"}`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	resp, err := client.Execute(context.Background(), printRequest(server.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected rejection")
	}
	if resp.ErrorMessage != "shift-z report required" {
		t.Fatalf("expected vendor message, got %q", resp.ErrorMessage)
	}
}

func TestExecuteRejectsMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>device panel</html>`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	_, err := client.Execute(context.Background(), printRequest(server.URL))
	if !errors.Is(err, ErrResponseMalformed) {
		t.Fatalf("expected ErrResponseMalformed, got %v", err)
	}
}

func TestExecuteTimesOutOnHungDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := New(50*time.Millisecond, 50*time.Millisecond)
	_, err := client.Execute(context.Background(), printRequest(server.URL))
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable, got %v", err)
	}
}

func TestExecuteMarksHTTPErrorAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success": false, "error": "printer jam"}`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	resp, err := client.Execute(context.Background(), printRequest(server.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success || resp.ErrorMessage != "printer jam" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.HTTPStatus)
	}
}

func TestStatusUsesGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte(`{"status": "ready"}`))
	}))
	defer server.Close()

	client := New(5*time.Second, 2*time.Second)
	resp, err := client.Status(context.Background(), &formatter.Request{
		Method:  "GET",
		URL:     server.URL,
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.DeviceStatus != "ready" {
		t.Fatalf("expected device status ready, got %q", resp.DeviceStatus)
	}
}
