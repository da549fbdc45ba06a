package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/parisxmas/oxiwarehouse/internal/db"
	"github.com/parisxmas/oxiwarehouse/internal/models"
)

const userColumns = "id, email, name, password_hash, role, created_at"

// UserRepo is the SQLite UserRepository.
type UserRepo struct {
	conn *sql.DB
}

func NewUserRepo(conn *sql.DB) *UserRepo {
	return &UserRepo{conn: conn}
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		u          models.User
		role       string
		createdRaw string
	)
	if err := scanner.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &createdRaw); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.CreatedAt = parseTime(createdRaw)
	return &u, nil
}

func (r *UserRepo) Create(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	err := db.RetryOnBusy(ctx, func() error {
		_, err := r.conn.ExecContext(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			user.ID, user.Email, user.Name, user.PasswordHash, string(user.Role), formatTime(user.CreatedAt),
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *UserRepo) findOne(ctx context.Context, query string, arg string) (*models.User, error) {
	u, err := scanUser(r.conn.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
