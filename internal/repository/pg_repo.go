package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parisxmas/oxiwarehouse/internal/models"
)

const pgUniqueViolation = "23505"

func isPGUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nilIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// PGSubmissionRepo is the Postgres SubmissionRepository.
type PGSubmissionRepo struct {
	pool *pgxpool.Pool
}

func NewPGSubmissionRepo(pool *pgxpool.Pool) *PGSubmissionRepo {
	return &PGSubmissionRepo{pool: pool}
}

func scanPGSubmission(row pgx.Row) (*models.Submission, error) {
	var (
		sub          models.Submission
		status       string
		description  *string
		outputFolder *string
		completedAt  *time.Time
	)
	if err := row.Scan(
		&sub.ID,
		&sub.Title,
		&description,
		&status,
		&sub.InputFolderID,
		&outputFolder,
		&sub.OwnerID,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if description != nil {
		sub.Description = *description
	}
	if outputFolder != nil {
		sub.OutputFolderID = *outputFolder
	}
	sub.Status = models.Status(status)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		sub.CompletedAt = &t
	}
	return &sub, nil
}

func (r *PGSubmissionRepo) Create(ctx context.Context, sub *models.Submission) error {
	sub.Version = 1
	_, err := r.pool.Exec(ctx,
		`INSERT INTO submissions (`+submissionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.Title, nilIfEmpty(sub.Description), string(sub.Status), sub.InputFolderID,
		nilIfEmpty(sub.OutputFolderID), sub.OwnerID, sub.Version, sub.CreatedAt, sub.UpdatedAt, sub.CompletedAt,
	)
	if err != nil {
		if isPGUnique(err) {
			return fmt.Errorf("insert submission %s: %w", sub.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *PGSubmissionRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := scanPGSubmission(r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return sub, nil
}

func (r *PGSubmissionRepo) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM submissions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM submissions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		submissionColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := make([]models.Submission, 0)
	for rows.Next() {
		sub, err := scanPGSubmission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, total, nil
}

func (r *PGSubmissionRepo) Update(ctx context.Context, sub *models.Submission, expectedVersion int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET title = $1, description = $2, status = $3, output_folder_id = $4, version = version + 1,
		     updated_at = $5, completed_at = $6
		 WHERE id = $7 AND version = $8`,
		sub.Title, nilIfEmpty(sub.Description), string(sub.Status), nilIfEmpty(sub.OutputFolderID),
		sub.UpdatedAt, sub.CompletedAt, sub.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update submission %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, findErr := r.FindByID(ctx, sub.ID)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}

func (r *PGSubmissionRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete submission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PGUserRepo is the Postgres UserRepository.
type PGUserRepo struct {
	pool *pgxpool.Pool
}

func NewPGUserRepo(pool *pgxpool.Pool) *PGUserRepo {
	return &PGUserRepo{pool: pool}
}

func scanPGUser(row pgx.Row) (*models.User, error) {
	var (
		u    models.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (r *PGUserRepo) Create(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, user.PasswordHash, string(user.Role), user.CreatedAt,
	)
	if err != nil {
		if isPGUnique(err) {
			return fmt.Errorf("insert user %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PGUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PGUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *PGUserRepo) findOne(ctx context.Context, query, arg string) (*models.User, error) {
	u, err := scanPGUser(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *PGUserRepo) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanPGUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
