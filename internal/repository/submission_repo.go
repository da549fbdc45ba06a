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

const submissionColumns = "id, title, description, status, input_folder_id, output_folder_id, owner_id, version, created_at, updated_at, completed_at"

// SubmissionRepo is the SQLite SubmissionRepository.
type SubmissionRepo struct {
	conn *sql.DB
}

func NewSubmissionRepo(conn *sql.DB) *SubmissionRepo {
	return &SubmissionRepo{conn: conn}
}

func scanSubmission(scanner interface{ Scan(dest ...any) error }) (*models.Submission, error) {
	var (
		sub          models.Submission
		status       string
		description  sql.NullString
		outputFolder sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&sub.ID,
		&sub.Title,
		&description,
		&status,
		&sub.InputFolderID,
		&outputFolder,
		&sub.OwnerID,
		&sub.Version,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}
	sub.Description = description.String
	sub.Status = models.Status(status)
	sub.OutputFolderID = outputFolder.String
	sub.CreatedAt = parseTime(createdRaw)
	sub.UpdatedAt = parseTime(updatedRaw)
	if completedRaw.Valid {
		t := parseTime(completedRaw.String)
		sub.CompletedAt = &t
	}
	return &sub, nil
}

func (r *SubmissionRepo) Create(ctx context.Context, sub *models.Submission) error {
	sub.Version = 1
	err := db.RetryOnBusy(ctx, func() error {
		_, err := r.conn.ExecContext(ctx,
			`INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID,
			sub.Title,
			nullableString(sub.Description),
			string(sub.Status),
			sub.InputFolderID,
			nullableString(sub.OutputFolderID),
			sub.OwnerID,
			sub.Version,
			formatTime(sub.CreatedAt),
			formatTime(sub.UpdatedAt),
			nullableTime(sub.CompletedAt),
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert submission %s: %w", sub.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *SubmissionRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return sub, nil
}

func (r *SubmissionRepo) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	rows, err := r.conn.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := make([]models.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
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

func (r *SubmissionRepo) Update(ctx context.Context, sub *models.Submission, expectedVersion int64) error {
	var res sql.Result
	err := db.RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = r.conn.ExecContext(ctx,
			`UPDATE submissions
			 SET title = ?, description = ?, status = ?, output_folder_id = ?, version = version + 1,
			     updated_at = ?, completed_at = ?
			 WHERE id = ? AND version = ?`,
			sub.Title,
			nullableString(sub.Description),
			string(sub.Status),
			nullableString(sub.OutputFolderID),
			formatTime(sub.UpdatedAt),
			nullableTime(sub.CompletedAt),
			sub.ID,
			expectedVersion,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update submission %s: %w", sub.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission %s: %w", sub.ID, err)
	}
	if affected == 0 {
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

func (r *SubmissionRepo) Delete(ctx context.Context, id string) error {
	var res sql.Result
	err := db.RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = r.conn.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete submission %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
