package auth

import (
	"context"
	"errors"

	"github.com/basket/taskboard/internal/persistence"
	"github.com/google/uuid"
)

func (s *Service) createUser(ctx context.Context, email, password, role string) (*persistence.User, error) {
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	u := &persistence.User{
		ID:           uuid.NewString(),
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser adds an account. Role defaults to user.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*persistence.User, error) {
	role := in.Role
	if role == "" {
		role = persistence.RoleUser
	}
	u, err := s.createUser(ctx, in.Email, in.Password, role)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID, "role", u.Role)
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*persistence.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (s *Service) ListUsers(ctx context.Context) ([]persistence.User, error) {
	return s.store.ListUsers(ctx)
}

// UpdateUser applies a partial edit. A password change revokes every
// refresh token of the account.
func (s *Service) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (*persistence.User, error) {
	var upd persistence.UserUpdate
	if in.Email != nil {
		upd.Email = persistence.Val(*in.Email)
	}
	if in.Role != nil {
		upd.Role = persistence.Val(*in.Role)
	}
	if in.Password != nil {
		hash, err := s.HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = persistence.Val(hash)
	}
	err := s.store.UpdateUser(ctx, id, upd, s.clock())
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if in.Password != nil {
		if err := s.RevokeAll(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes the account named id on behalf of actorID. Refresh
// tokens go with it.
func (s *Service) DeleteUser(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return ErrSelfDelete
	}
	err := s.store.DeleteUser(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	s.logger.Info("user deleted", "user_id", id)
	return nil
}
