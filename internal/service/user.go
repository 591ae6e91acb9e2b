package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// ListUsers returns one page of users, by id
func (s *Service) ListUsers(ctx context.Context, page models.PageRequest) (models.Page[models.User], error) {
	return s.store.ListUsers(ctx, page)
}

// GetUser returns one user
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.store.FindUserByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrUserNotFound, id)
	}
	return user, err
}

// CreateUser registers a card owner
func (s *Service) CreateUser(ctx context.Context, req models.UserRequest) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	user := &models.User{Username: req.Username, Email: req.Email}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("User created")
	return user, nil
}

// DeleteUser removes a user who no longer owns any card
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	err := s.store.DeleteUser(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: user %d", ErrUserNotFound, id)
	case errors.Is(err, repository.ErrReferenced):
		return fmt.Errorf("%w: user %d", ErrUserHasCards, id)
	case err != nil:
		return err
	}

	s.log.WithField("user_id", id).Info("User deleted")
	return nil
}
