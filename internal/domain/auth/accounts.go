package auth

import (
	"context"
	"errors"

	"vetcare/internal/store"
)

const usersTable = "users"

var ErrUserNotFound = errors.New("user not found")

// Accounts works against the login identities in the users table. It backs
// the password channel of identity verification and the final step of an
// erasure, which removes the subject's ability to log in.
type Accounts struct {
	store store.RecordStore
}

func NewAccounts(s store.RecordStore) *Accounts {
	return &Accounts{store: s}
}

func (a *Accounts) CheckPassword(ctx context.Context, subjectID, password string) error {
	rows, err := a.store.Select(ctx, "", usersTable, store.Filter{"id": subjectID}, store.Limit(1))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrUserNotFound
	}
	hash, _ := rows[0]["password_hash"].(string)
	return CheckPassword(hash, password)
}

func (a *Accounts) DeleteUser(ctx context.Context, userID string) error {
	_, err := a.store.Delete(ctx, "", usersTable, store.Filter{"id": userID})
	return err
}
