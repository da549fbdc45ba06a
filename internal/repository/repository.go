// Package repository persists submissions and users. Finders return (nil,
// nil) when a record does not exist; mutations report ErrNotFound.
package repository

import (
	"context"
	"errors"

	"github.com/parisxmas/oxiwarehouse/internal/models"
)

var (
	ErrNotFound        = errors.New("repository: record not found")
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrDuplicate       = errors.New("repository: duplicate record")
)

// SubmissionFilter narrows List. Empty fields do not filter.
type SubmissionFilter struct {
	OwnerID string
	Status  models.Status
	Limit   int
	Offset  int
}

type SubmissionRepository interface {
	// Create stores sub with Version 1.
	Create(ctx context.Context, sub *models.Submission) error
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	// List returns one page ordered by CreatedAt descending plus the total
	// number of matching records.
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int, error)
	// Update writes sub if the stored version still equals expectedVersion
	// and bumps sub.Version on success.
	Update(ctx context.Context, sub *models.Submission, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
}

// Store bundles the repositories of one database.
type Store struct {
	Submissions SubmissionRepository
	Users       UserRepository
	close       func() error
}

func (s *Store) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
