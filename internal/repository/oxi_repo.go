package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/db"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/oxidb"
)

const (
	SubmissionsCollection = "_oxw_submissions"
	UsersCollection       = "_oxw_users"
)

// OxiSubmissionRepo is the SubmissionRepository over an OxiDB collection.
// Records are keyed by their own "id" field; the server's _id is ignored.
type OxiSubmissionRepo struct {
	pool *db.Pool
}

func NewOxiSubmissionRepo(pool *db.Pool) *OxiSubmissionRepo {
	return &OxiSubmissionRepo{pool: pool}
}

func (r *OxiSubmissionRepo) EnsureIndexes(ctx context.Context) error {
	return r.pool.Do(ctx, func(c *oxidb.Client) error {
		if err := c.CreateUniqueIndex(ctx, SubmissionsCollection, "id"); err != nil {
			return err
		}
		if err := c.CreateIndex(ctx, SubmissionsCollection, "status"); err != nil {
			return err
		}
		return c.CreateCompositeIndex(ctx, SubmissionsCollection, []string{"ownerId", "createdAt"})
	})
}

func (r *OxiSubmissionRepo) Create(ctx context.Context, sub *models.Submission) error {
	sub.Version = 1
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		_, err := c.Insert(ctx, SubmissionsCollection, submissionToDoc(sub))
		return err
	})
	if err != nil {
		if oxidb.IsDuplicate(err) {
			return fmt.Errorf("insert submission %s: %w", sub.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *OxiSubmissionRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	var doc map[string]any
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		doc, err = c.FindOne(ctx, SubmissionsCollection, map[string]any{"id": id})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return docToSubmission(doc), nil
}

func (r *OxiSubmissionRepo) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	query := map[string]any{}
	if filter.OwnerID != "" {
		query["ownerId"] = filter.OwnerID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	var (
		total int
		docs  []map[string]any
	)
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		if total, err = c.Count(ctx, SubmissionsCollection, query); err != nil {
			return err
		}
		docs, err = c.Find(ctx, SubmissionsCollection, query, &oxidb.FindOptions{
			Sort:  map[string]any{"createdAt": -1},
			Skip:  &offset,
			Limit: &limit,
		})
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}

	subs := make([]models.Submission, 0, len(docs))
	for _, d := range docs {
		subs = append(subs, *docToSubmission(d))
	}
	return subs, total, nil
}

// Update matches on id and expectedVersion together, so a concurrent writer
// leaves nothing to modify.
func (r *OxiSubmissionRepo) Update(ctx context.Context, sub *models.Submission, expectedVersion int64) error {
	next := sub.Clone()
	next.Version = expectedVersion + 1
	var (
		modified int
		current  map[string]any
	)
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		modified, err = c.UpdateOne(ctx, SubmissionsCollection,
			map[string]any{"id": sub.ID, "version": expectedVersion},
			map[string]any{"$set": submissionToDoc(next)},
		)
		if err != nil || modified > 0 {
			return err
		}
		current, err = c.FindOne(ctx, SubmissionsCollection, map[string]any{"id": sub.ID})
		return err
	})
	if err != nil {
		return fmt.Errorf("update submission %s: %w", sub.ID, err)
	}
	if modified == 0 {
		if current == nil {
			return fmt.Errorf("update submission %s: %w", sub.ID, ErrNotFound)
		}
		return fmt.Errorf("update submission %s: %w", sub.ID, ErrVersionConflict)
	}
	sub.Version = next.Version
	return nil
}

func (r *OxiSubmissionRepo) Delete(ctx context.Context, id string) error {
	var deleted int
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		deleted, err = c.DeleteOne(ctx, SubmissionsCollection, map[string]any{"id": id})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("delete submission %s: %w", id, ErrNotFound)
	}
	return nil
}

func submissionToDoc(s *models.Submission) map[string]any {
	completed := ""
	if s.CompletedAt != nil && !s.CompletedAt.IsZero() {
		completed = formatTime(*s.CompletedAt)
	}
	return map[string]any{
		"id":             s.ID,
		"title":          s.Title,
		"description":    s.Description,
		"status":         string(s.Status),
		"inputFolderId":  s.InputFolderID,
		"outputFolderId": s.OutputFolderID,
		"ownerId":        s.OwnerID,
		"version":        s.Version,
		"createdAt":      formatTime(s.CreatedAt),
		"updatedAt":      formatTime(s.UpdatedAt),
		"completedAt":    completed,
	}
}

func docToSubmission(doc map[string]any) *models.Submission {
	s := &models.Submission{
		ID:             docString(doc, "id"),
		Title:          docString(doc, "title"),
		Description:    docString(doc, "description"),
		Status:         models.Status(docString(doc, "status")),
		InputFolderID:  docString(doc, "inputFolderId"),
		OutputFolderID: docString(doc, "outputFolderId"),
		OwnerID:        docString(doc, "ownerId"),
		CreatedAt:      parseTime(docString(doc, "createdAt")),
		UpdatedAt:      parseTime(docString(doc, "updatedAt")),
	}
	if v, ok := doc["version"].(float64); ok {
		s.Version = int64(v)
	}
	if raw := docString(doc, "completedAt"); raw != "" {
		t := parseTime(raw)
		s.CompletedAt = &t
	}
	return s
}

// OxiUserRepo is the UserRepository over an OxiDB collection.
type OxiUserRepo struct {
	pool *db.Pool
}

func NewOxiUserRepo(pool *db.Pool) *OxiUserRepo {
	return &OxiUserRepo{pool: pool}
}

func (r *OxiUserRepo) EnsureIndexes(ctx context.Context) error {
	return r.pool.Do(ctx, func(c *oxidb.Client) error {
		if err := c.CreateUniqueIndex(ctx, UsersCollection, "id"); err != nil {
			return err
		}
		return c.CreateUniqueIndex(ctx, UsersCollection, "email")
	})
}

func (r *OxiUserRepo) Create(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	doc := map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"passwordHash": user.PasswordHash,
		"name":         user.Name,
		"role":         string(user.Role),
		"createdAt":    formatTime(user.CreatedAt),
	}
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		_, err := c.Insert(ctx, UsersCollection, doc)
		return err
	})
	if err != nil {
		if oxidb.IsDuplicate(err) {
			return fmt.Errorf("insert user %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *OxiUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, map[string]any{"id": id})
}

func (r *OxiUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, map[string]any{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (r *OxiUserRepo) findOne(ctx context.Context, query map[string]any) (*models.User, error) {
	var doc map[string]any
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		doc, err = c.FindOne(ctx, UsersCollection, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return docToUser(doc), nil
}

func (r *OxiUserRepo) List(ctx context.Context) ([]models.User, error) {
	var docs []map[string]any
	err := r.pool.Do(ctx, func(c *oxidb.Client) error {
		var err error
		docs, err = c.Find(ctx, UsersCollection, map[string]any{}, &oxidb.FindOptions{
			Sort: map[string]any{"createdAt": 1},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, *docToUser(d))
	}
	return users, nil
}

func docToUser(doc map[string]any) *models.User {
	return &models.User{
		ID:           docString(doc, "id"),
		Email:        docString(doc, "email"),
		PasswordHash: docString(doc, "passwordHash"),
		Name:         docString(doc, "name"),
		Role:         models.Role(docString(doc, "role")),
		CreatedAt:    parseTime(docString(doc, "createdAt")),
	}
}

func docString(doc map[string]any, field string) string {
	s, _ := doc[field].(string)
	return s
}

// openOxi connects a pool and makes sure the collection indexes exist.
func openOxi(ctx context.Context, addr string, size int) (*Store, error) {
	pool, err := db.NewPool(ctx, addr, size, nil)
	if err != nil {
		return nil, err
	}
	subs := NewOxiSubmissionRepo(pool)
	users := NewOxiUserRepo(pool)
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := subs.EnsureIndexes(ictx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure submission indexes: %w", err)
	}
	if err := users.EnsureIndexes(ictx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure user indexes: %w", err)
	}
	return &Store{
		Submissions: subs,
		Users:       users,
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}
