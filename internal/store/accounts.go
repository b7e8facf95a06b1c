package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Account is one row of the accounts table.
type Account struct {
	AccountID    int64
	Login        string
	PasswordHash string
	AccessLevel  int32
	LastServer   int32
	LastIP       string
	LastActive   time.Time
}

// AccountRepo handles account persistence and password verification.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo creates an account repository on the given pool.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Get retrieves an account by login. Returns nil, nil if the account does
// not exist.
func (r *AccountRepo) Get(ctx context.Context, login string) (*Account, error) {
	login = strings.ToLower(login)
	var acc Account
	err := r.pool.QueryRow(ctx,
		`SELECT account_id, login, password, access_level, last_server, last_ip, last_active
		 FROM accounts WHERE login = $1`, login,
	).Scan(&acc.AccountID, &acc.Login, &acc.PasswordHash, &acc.AccessLevel,
		&acc.LastServer, &acc.LastIP, &acc.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account %q: %w", login, err)
	}
	return &acc, nil
}

// Create inserts a new account and returns its id.
func (r *AccountRepo) Create(ctx context.Context, login, passwordHash, ip string) (int64, error) {
	login = strings.ToLower(login)
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password, last_ip)
		 VALUES ($1, $2, $3)
		 RETURNING account_id`,
		login, passwordHash, ip,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating account %q: %w", login, err)
	}
	slog.Info("auto-created account", "login", login)
	return id, nil
}

// TouchLogin updates last_active and last_ip on successful login.
func (r *AccountRepo) TouchLogin(ctx context.Context, login, ip string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET last_active = now(), last_ip = $1 WHERE login = $2`,
		ip, strings.ToLower(login),
	)
	if err != nil {
		return fmt.Errorf("updating last login for %q: %w", login, err)
	}
	return nil
}

// SetLastServer records the server the account last entered.
func (r *AccountRepo) SetLastServer(ctx context.Context, login string, serverID int32) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET last_server = $1 WHERE login = $2`,
		serverID, strings.ToLower(login),
	)
	if err != nil {
		return fmt.Errorf("updating last server for %q: %w", login, err)
	}
	return nil
}
