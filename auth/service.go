package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"arbiterdash/contract"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidRegistration signals missing or malformed registration fields.
	ErrInvalidRegistration = errors.New("auth: invalid registration")
	// ErrInvalidToken signals a token that cannot be trusted.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrAddressNotProven signals a registration whose signature was not made
	// by the key behind the claimed address.
	ErrAddressNotProven = errors.New("auth: address ownership not proven")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo       Repository
	jwtSecret  []byte
	arbitrator string
	now        func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service. Only the account at
// arbitrator may hold the operator role.
func NewService(repo Repository, jwtSecret, arbitrator string) *Service {
	return &Service{
		repo:       repo,
		jwtSecret:  []byte(jwtSecret),
		arbitrator: arbitrator,
		now:        time.Now,
	}
}

// Register creates a new user account bound to a ledger address.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrInvalidRegistration)
	}

	address, err := contract.NormalizeAddress(req.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParty
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: invalid role %q", ErrInvalidRegistration, role)
	}
	if role == RoleOperator && !strings.EqualFold(address, s.arbitrator) {
		return nil, fmt.Errorf("%w: operator must register with the arbitrator address", ErrInvalidRegistration)
	}
	if err := verifyOwnership(email, address, req.Signature); err != nil {
		return nil, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Address:      address,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the identity it carries.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	userID, ok := mc["user_id"].(string)
	if !ok || userID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, _ := mc["role"].(string)
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	rawAddress, _ := mc["address"].(string)
	address, err := contract.NormalizeAddress(rawAddress)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return Claims{UserID: userID, Role: role, Address: address}, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"role":    string(user.Role),
		"address": user.Address,
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// RegistrationMessage is the text a registrant signs with the key of address
// (personal_sign) to prove they control it.
func RegistrationMessage(email, address string) string {
	return fmt.Sprintf("arbiterdash registration\nemail: %s\naddress: %s", strings.TrimSpace(email), address)
}

func verifyOwnership(email, address, signature string) error {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrAddressNotProven)
	}
	// wallets emit V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(RegistrationMessage(email, address))), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressNotProven, err)
	}
	if crypto.PubkeyToAddress(*pub).Hex() != address {
		return ErrAddressNotProven
	}
	return nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParty, RoleOperator:
		return true
	default:
		return false
	}
}
