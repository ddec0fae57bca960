package auth

import "time"

type Role string

const (
	RoleParty    Role = "party"
	RoleOperator Role = "operator"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
// Signature is the hex personal_sign signature of RegistrationMessage made
// with the key behind Address.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	Address   string `json:"address"`
	Role      Role   `json:"role"`
	Signature string `json:"signature"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is the identity carried by a verified token.
type Claims struct {
	UserID  string
	Role    Role
	Address string
}
