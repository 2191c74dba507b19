package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kenyadata/gdpetl/internal/model"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)

// CreateUser stores a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password string, role model.Role) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if role != model.RoleAdmin && role != model.RoleViewer {
		return fmt.Errorf("invalid role %q", role)
	}

	if _, err := s.lookupUser(ctx, username); err == nil {
		return fmt.Errorf("create user %s: %w", username, ErrUserExists)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("create user %s: %w", username, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.exec(ctx, `INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		username, string(hash), string(role), dbTime(time.Now())); err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}

// EnsureUser creates the account when it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, username, password string, role model.Role) (bool, error) {
	err := s.CreateUser(ctx, username, password, role)
	if errors.Is(err, ErrUserExists) {
		return false, nil
	}
	return err == nil, err
}

// Authenticate checks a username and password pair.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.lookupUser(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", username, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT username, password_hash, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.Username, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		u.Role = model.Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) lookupUser(ctx context.Context, username string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT username, password_hash, role, created_at FROM users WHERE username = ?`), username,
	).Scan(&u.Username, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}
