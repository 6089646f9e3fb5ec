package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bher20/wargabill/internal/storage"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleResident = "resident"
)

// Protected objects and actions.
const (
	ObjTariff    = "tariff"
	ObjResidents = "residents"
	ObjReadings  = "readings"
	ObjBills     = "bills"
	ObjPayments  = "payments"
	ObjArrears   = "arrears"
	ObjLedger    = "ledger"
	ObjSettings  = "settings"

	ActRead  = "read"
	ActWrite = "write"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrUserExists         = errors.New("user already exists")
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*") && (r.act == p.act || p.act == "*")
`

var defaultPolicies = [][]string{
	{RoleAdmin, "*", "*"},

	{RoleOperator, ObjReadings, ActRead},
	{RoleOperator, ObjReadings, ActWrite},
	{RoleOperator, ObjBills, ActRead},
	{RoleOperator, ObjResidents, ActRead},
	{RoleOperator, ObjTariff, ActRead},
	{RoleOperator, ObjPayments, ActWrite},
	{RoleOperator, ObjArrears, ActWrite},

	{RoleResident, ObjBills, ActRead},
	{RoleResident, ObjTariff, ActRead},
}

// ValidRole reports whether role is one of the built-in roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleResident:
		return true
	}
	return false
}

type Service struct {
	storage  storage.Storage
	enforcer *casbin.SyncedEnforcer
	logger   *zap.Logger
	tokenTTL string
	now      func() time.Time
}

// NewService loads the RBAC policy from storage, seeding the built-in role
// policies the first time.
func NewService(s storage.Storage, tokenTTL string, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewSyncedEnforcer(m, NewAdapter(s))
	if err != nil {
		return nil, fmt.Errorf("casbin enforcer: %w", err)
	}
	for _, p := range defaultPolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("seed policy %v: %w", p, err)
		}
	}

	return &Service{
		storage:  s,
		enforcer: e,
		logger:   logger.Named("auth"),
		tokenTTL: tokenTTL,
		now:      time.Now,
	}, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (*storage.User, error) {
	u, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Register creates a user with role. residentID links a resident account to
// its household.
func (s *Service) Register(ctx context.Context, username, password, role, displayName, residentID string) (*storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	existing, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		ResidentID:   residentID,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.storage.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if _, err := s.enforcer.AddGroupingPolicy(u.ID, role); err != nil {
		return nil, fmt.Errorf("assign role: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", role))
	return &u, nil
}

// EnsureAdmin creates the bootstrap administrator if no user has that name.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	existing, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = s.Register(ctx, username, password, RoleAdmin, "Administrator", "")
	return err
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken issues an API token for user. The raw value is returned once
// and only its hash is stored. expiresIn follows ParseExpiration; empty
// uses the configured default.
func (s *Service) CreateToken(ctx context.Context, user storage.User, name, expiresIn string) (*storage.Token, string, error) {
	if expiresIn == "" {
		expiresIn = s.tokenTTL
	}
	expiresAt, err := ParseExpiration(expiresIn, s.now(), time.UTC)
	if err != nil {
		return nil, "", err
	}

	raw := uuid.NewString() + uuid.NewString()
	t := storage.Token{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Name:      name,
		TokenHash: hashToken(raw),
		Role:      user.Role,
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}
	if err := s.storage.CreateToken(ctx, t); err != nil {
		return nil, "", err
	}
	return &t, raw, nil
}

// Login checks credentials and issues a token.
func (s *Service) Login(ctx context.Context, username, password string) (*storage.User, *storage.Token, string, error) {
	u, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return nil, nil, "", err
	}
	t, raw, err := s.CreateToken(ctx, *u, "login", "")
	if err != nil {
		return nil, nil, "", err
	}
	s.logger.Info("user logged in", zap.String("user_id", u.ID))
	return u, t, raw, nil
}

func (s *Service) ValidateToken(ctx context.Context, rawToken string) (*storage.Token, error) {
	t, err := s.storage.GetTokenByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrInvalidToken
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(s.now()) {
		return nil, ErrTokenExpired
	}

	go func(id string) {
		if err := s.storage.UpdateTokenLastUsed(context.Background(), id); err != nil {
			s.logger.Debug("update token last used", zap.Error(err))
		}
	}(t.ID)

	return t, nil
}

func (s *Service) Enforce(sub, obj, act string) (bool, error) {
	return s.enforcer.Enforce(sub, obj, act)
}
