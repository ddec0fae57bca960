package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type signer struct {
	key     *ecdsa.PrivateKey
	address string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// sign produces a wallet-style personal_sign signature with V in 27/28.
func (s signer) sign(t *testing.T, email string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(RegistrationMessage(email, s.address))), s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func (s signer) request(t *testing.T, email string, role Role) RegisterRequest {
	t.Helper()
	return RegisterRequest{
		Email:     email,
		Password:  "strongpassword",
		FullName:  "Test User",
		Address:   s.address,
		Role:      role,
		Signature: s.sign(t, email),
	}
}

func TestService_RegisterAndLogin(t *testing.T) {
	alice := newSigner(t)
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", newSigner(t).address)

	req := alice.request(t, "alice@example.com", "")
	req.Address = strings.ToLower(alice.address)

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleParty {
		t.Fatalf("register: expected default role %s got %s", RoleParty, user.Role)
	}
	if user.Address != alice.address {
		t.Fatalf("register: expected checksummed address, got %s", user.Address)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, claims.UserID)
	}
	if claims.Role != RoleParty {
		t.Fatalf("verify token: expected role %s got %s", RoleParty, claims.Role)
	}
	if claims.Address != user.Address {
		t.Fatalf("verify token: expected address %s got %s", user.Address, claims.Address)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	alice := newSigner(t)
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", newSigner(t).address)
	ctx := context.Background()

	weak := alice.request(t, "alice@example.com", "")
	weak.Password = "short"
	if _, err := svc.Register(ctx, weak); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	valid := alice.request(t, "a@example.com", "")
	cases := map[string]func(*RegisterRequest){
		"missing fields":   func(r *RegisterRequest) { r.Email, r.FullName = "", "" },
		"bad address":      func(r *RegisterRequest) { r.Address = "0x12" },
		"unknown role":     func(r *RegisterRequest) { r.Role = "judge" },
		"foreign operator": func(r *RegisterRequest) { r.Role = RoleOperator },
	}
	for name, mutate := range cases {
		req := valid
		mutate(&req)
		if _, err := svc.Register(ctx, req); !errors.Is(err, ErrInvalidRegistration) {
			t.Fatalf("%s: expected ErrInvalidRegistration, got %v", name, err)
		}
	}
}

func TestService_RegisterRequiresAddressOwnership(t *testing.T) {
	alice, mallory := newSigner(t), newSigner(t)
	svc := NewService(newFakeRepository(), "test-secret", newSigner(t).address)
	ctx := context.Background()

	cases := map[string]func(*RegisterRequest){
		"missing signature":   func(r *RegisterRequest) { r.Signature = "" },
		"garbage signature":   func(r *RegisterRequest) { r.Signature = "0xdeadbeef" },
		"signed by other key": func(r *RegisterRequest) { r.Signature = mallory.sign(t, r.Email) },
		"signed other email":  func(r *RegisterRequest) { r.Email = "mallory@example.com" },
	}
	for name, mutate := range cases {
		req := alice.request(t, "alice@example.com", "")
		mutate(&req)
		if _, err := svc.Register(ctx, req); !errors.Is(err, ErrAddressNotProven) {
			t.Fatalf("%s: expected ErrAddressNotProven, got %v", name, err)
		}
	}
}

func TestService_RegisterOperator(t *testing.T) {
	arbitrator := newSigner(t)
	svc := NewService(newFakeRepository(), "test-secret", arbitrator.address)
	ctx := context.Background()

	user, err := svc.Register(ctx, arbitrator.request(t, "ops@example.com", RoleOperator))
	if err != nil {
		t.Fatalf("register operator: %v", err)
	}
	if user.Role != RoleOperator {
		t.Fatalf("expected operator role, got %s", user.Role)
	}

	// knowing the public arbitrator address is not enough
	attacker := newSigner(t)
	forged := arbitrator.request(t, "attacker@example.com", RoleOperator)
	forged.Signature = attacker.sign(t, forged.Email)
	if _, err := svc.Register(ctx, forged); !errors.Is(err, ErrAddressNotProven) {
		t.Fatalf("expected ErrAddressNotProven for unproven operator, got %v", err)
	}

	// the arbitrator key itself holds a single account
	if _, err := svc.Register(ctx, arbitrator.request(t, "ops2@example.com", RoleOperator)); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("expected ErrDuplicateAddress for second operator, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", newSigner(t).address)

	if _, err := svc.Register(context.Background(), newSigner(t).request(t, "alice@example.com", "")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), newSigner(t).request(t, "alice@example.com", "")); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", newSigner(t).address)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejections(t *testing.T) {
	repo := newFakeRepository()
	arbitrator := newSigner(t).address
	svc := NewService(repo, "test-secret", arbitrator)
	ctx := context.Background()

	req := newSigner(t).request(t, "bob@example.com", "")
	if _, err := svc.Register(ctx, req); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other := NewService(repo, "other-secret", arbitrator)
	if _, err := other.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * tokenTTL) }
	if _, err := svc.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail   map[string]User
	usersByID      map[string]User
	usersByAddress map[string]User
	nextID         int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail:   make(map[string]User),
		usersByID:      make(map[string]User),
		usersByAddress: make(map[string]User),
		nextID:         1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}
	if _, exists := f.usersByAddress[params.Address]; exists {
		return User{}, ErrDuplicateAddress
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Address:      params.Address,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user
	f.usersByAddress[user.Address] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
