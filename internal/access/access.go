// Package access holds the ownership policy applied to every submission
// read and mutation: owners and admins have full rights, everyone else is
// denied.
package access

import (
	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/models"
)

// Identity is the verified caller of a service operation. It is passed
// explicitly into every call; the zero value means unauthenticated.
type Identity struct {
	UserID string
	Email  string
	Role   models.Role
}

func (id Identity) Authenticated() bool {
	return id.UserID != "" || id.Role == models.RoleWorker
}

func (id Identity) IsAdmin() bool { return id.Role == models.RoleAdmin }
func (id Identity) IsWorker() bool { return id.Role == models.RoleWorker }

// Require fails with an authentication error when id carries no identity.
func Require(id Identity) error {
	if !id.Authenticated() {
		return apperr.Unauthenticated("unauthorized")
	}
	return nil
}

// Authorize checks that id may read or mutate sub.
func Authorize(id Identity, sub *models.Submission) error {
	if err := Require(id); err != nil {
		return err
	}
	if id.IsAdmin() {
		return nil
	}
	if id.UserID != "" && id.UserID == sub.OwnerID {
		return nil
	}
	return apperr.Forbidden("access denied")
}

// AuthorizeTransition checks that id holds the lifecycle capability: moving
// a submission between statuses or recording its output folder. Only the
// processing worker and admins hold it; plain owners do not.
func AuthorizeTransition(id Identity) error {
	if err := Require(id); err != nil {
		return err
	}
	if id.IsWorker() || id.IsAdmin() {
		return nil
	}
	return apperr.Forbidden("status changes require the worker credential")
}

// ScopeOwner returns the owner filter to apply to listings: admins see every
// record, everyone else only their own.
func ScopeOwner(id Identity) string {
	if id.IsAdmin() {
		return ""
	}
	return id.UserID
}
