package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

type agentStoreStub struct {
	creds map[string]domain.AgentCredential
}

func (s *agentStoreStub) GetAgentCredential(_ context.Context, tenantID string, agentID string) (*domain.AgentCredential, error) {
	cred, ok := s.creds[tenantID+"/"+agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cred
	return &copied, nil
}

func seededUserStore(t *testing.T) *userStoreStub {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  string(hash),
				Role:      domain.RoleAdmin,
				TenantID:  "tenant-1",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestLoginIssuesTenantScopedToken(t *testing.T) {
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, seededUserStore(t), nil)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.TenantID != "tenant-1" {
		t.Fatalf("response tenant = %s", resp.TenantID)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.TenantID != "tenant-1" {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, seededUserStore(t), nil)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatal("login succeeded with wrong password")
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				TenantID:  "tenant-1",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, userStore, nil)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}

	userStore.mu.Lock()
	stored := userStore.users["admin"].Password
	updates := userStore.updates
	userStore.mu.Unlock()

	if !strings.HasPrefix(stored, "$2") {
		t.Fatalf("password not upgraded to bcrypt: %q", stored)
	}
	if updates == 0 {
		t.Fatal("upgrade was not persisted")
	}
}

func TestAgentLoginVerifiesKeyHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("agent-key-123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	agents := &agentStoreStub{creds: map[string]domain.AgentCredential{
		"tenant-1/agent-1": {
			TenantID:  "tenant-1",
			AgentID:   "agent-1",
			KeyHash:   string(hash),
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}}
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, nil, agents)

	resp, err := auth.AgentLogin(context.Background(), domain.AgentLoginRequest{
		TenantID: "tenant-1",
		AgentID:  "agent-1",
		AgentKey: "agent-key-123",
	})
	if err != nil {
		t.Fatalf("agent login: %v", err)
	}
	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Role != domain.RoleAgent || actor.TenantID != "tenant-1" || actor.Username != "agent-1" {
		t.Fatalf("actor = %+v", actor)
	}

	if _, err := auth.AgentLogin(context.Background(), domain.AgentLoginRequest{
		TenantID: "tenant-1",
		AgentID:  "agent-1",
		AgentKey: "wrong",
	}); err == nil {
		t.Fatal("agent login succeeded with wrong key")
	}

	if _, err := auth.AgentLogin(context.Background(), domain.AgentLoginRequest{
		TenantID: "tenant-2",
		AgentID:  "agent-1",
		AgentKey: "agent-key-123",
	}); err == nil {
		t.Fatal("agent login succeeded for wrong tenant")
	}
}

func TestAgentLoginInactiveAgent(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("k"), bcrypt.MinCost)
	agents := &agentStoreStub{creds: map[string]domain.AgentCredential{
		"tenant-1/agent-9": {TenantID: "tenant-1", AgentID: "agent-9", KeyHash: string(hash), Active: false},
	}}
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, nil, agents)

	if _, err := auth.AgentLogin(context.Background(), domain.AgentLoginRequest{
		TenantID: "tenant-1",
		AgentID:  "agent-9",
		AgentKey: "k",
	}); err == nil {
		t.Fatal("inactive agent logged in")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, time.Hour, seededUserStore(t), nil)
	verifier := NewAuthManager("another-secret-another-secret-32", time.Hour, time.Hour, nil, nil)

	resp, err := issuer.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatal("token accepted across secrets")
	}
}
