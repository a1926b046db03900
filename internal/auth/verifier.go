package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/coopgate/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnknownUser        = errors.New("unknown user")
)

// Verifier checks a username/password pair and returns the user's role.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (models.Role, error)
}

// Directory looks up a user's current role without a password.
// It is used when resuming a session from a token.
type Directory interface {
	Lookup(ctx context.Context, username string) (models.Role, error)
}

// UserEntry is a single account in the users file.
type UserEntry struct {
	Username     string      `yaml:"username"`
	PasswordHash string      `yaml:"password_hash"` // bcrypt
	Role         models.Role `yaml:"role"`
	FullName     string      `yaml:"full_name,omitempty"`
}

// UsersFile is the on-disk format read by FileVerifier.
type UsersFile struct {
	Users []UserEntry `yaml:"users"`
}

// FileVerifier verifies credentials against bcrypt hashes loaded from a YAML file.
// The file is read-only, account provisioning happens elsewhere.
type FileVerifier struct {
	mu          sync.RWMutex
	users       map[string]UserEntry
	placeholder []byte // bcrypt hash checked for unknown usernames
}

var (
	_ Verifier  = (*FileVerifier)(nil)
	_ Directory = (*FileVerifier)(nil)
)

// LoadFileVerifier reads the users file at path.
func LoadFileVerifier(path string) (*FileVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	return ParseUsers(data)
}

// ParseUsers builds a FileVerifier from YAML users data.
func ParseUsers(data []byte) (*FileVerifier, error) {
	var file UsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	users := make(map[string]UserEntry, len(file.Users))
	maxCost := bcrypt.MinCost
	for _, u := range file.Users {
		if u.Username == "" {
			return nil, errors.New("users file contains an entry without a username")
		}
		if !u.Role.Valid() {
			return nil, fmt.Errorf("user %q has invalid role %q", u.Username, u.Role)
		}
		cost, err := bcrypt.Cost([]byte(u.PasswordHash))
		if err != nil {
			return nil, fmt.Errorf("user %q has invalid password hash: %w", u.Username, err)
		}
		maxCost = max(maxCost, cost)
		if _, exists := users[u.Username]; exists {
			return nil, fmt.Errorf("user %q is defined more than once", u.Username)
		}
		users[u.Username] = u
	}

	// unknown usernames cost as much as the slowest known one
	placeholder, err := bcrypt.GenerateFromPassword([]byte("coopgate-unknown-user"), maxCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash placeholder password: %w", err)
	}

	log.Debug().Int("count", len(users)).Msg("Loaded users")

	return &FileVerifier{users: users, placeholder: placeholder}, nil
}

// Reload re-reads the users file, keeping the current users if it is invalid.
// Live sessions are not affected, changes apply to the next authentication.
func (v *FileVerifier) Reload(path string) error {
	next, err := LoadFileVerifier(path)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.users = next.users
	v.placeholder = next.placeholder
	v.mu.Unlock()

	log.Info().Int("count", len(next.users)).Msg("Reloaded users")
	return nil
}

// Verify implements Verifier.
func (v *FileVerifier) Verify(ctx context.Context, username, password string) (models.Role, error) {
	v.mu.RLock()
	user, ok := v.users[username]
	placeholder := v.placeholder
	v.mu.RUnlock()

	if !ok {
		// spend the same bcrypt work as a known user so response times do
		// not reveal which usernames exist
		_ = bcrypt.CompareHashAndPassword(placeholder, []byte(password))
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return user.Role, nil
}

// Lookup implements Directory.
func (v *FileVerifier) Lookup(ctx context.Context, username string) (models.Role, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	user, ok := v.users[username]
	if !ok {
		return "", ErrUnknownUser
	}

	return user.Role, nil
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hash), nil
}
