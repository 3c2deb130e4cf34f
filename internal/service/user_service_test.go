package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/buildmaster-api/internal/models"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
)

type mockUserRepo struct {
	users          map[string]*models.User
	listUsers      []models.User
	listCount      int
	listErr        error
	findByIDErr    error
	findByEmailErr error
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	if m.listUsers != nil {
		return m.listUsers, m.listCount, nil
	}
	var users []models.User
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	if user, ok := m.users[id]; ok {
		copy := *user
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	for _, u := range m.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Update(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	if user, ok := m.users[id]; ok {
		user.Active = false
		m.users[id] = user
		return nil
	}
	return sql.ErrNoRows
}

func TestUserServiceList(t *testing.T) {
	repo := &mockUserRepo{listUsers: []models.User{{ID: "1", Email: "a@example.com"}}, listCount: 21}
	svc := NewUserService(repo, nil, validator.New(), zap.NewNop())
	users, pagination, err := svc.List(context.Background(), models.UserFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 21, pagination.TotalCount)
	assert.Equal(t, 3, pagination.TotalPages)
}

func TestUserServiceCreate(t *testing.T) {
	repo := &mockUserRepo{users: make(map[string]*models.User)}
	audit := &stubAuditRecorder{}
	svc := NewUserService(repo, audit, validator.New(), zap.NewNop())
	user, err := svc.Create(context.Background(), CreateUserRequest{Email: "USER@EXAMPLE.COM", FullName: "User", Password: "secret12", Role: models.RoleManager, Active: true}, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)

	require.Len(t, audit.events, 1)
	event := audit.events[0]
	assert.Equal(t, models.EntityUser, event.entityType)
	assert.Equal(t, user.ID, event.entityID)
	assert.Equal(t, models.AuditActionCreate, event.action)
	assert.Equal(t, "admin@example.com", event.actor)
	assert.Nil(t, event.previous)
}

func TestUserServiceCreateDuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{"1": {ID: "1", Email: "user@example.com"}}}
	audit := &stubAuditRecorder{}
	svc := NewUserService(repo, audit, validator.New(), zap.NewNop())
	_, err := svc.Create(context.Background(), CreateUserRequest{Email: "User@Example.com", FullName: "User", Password: "secret12", Role: models.RoleDeveloper}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, audit.events)
}

func TestUserServiceCreateRejectsUnknownRole(t *testing.T) {
	svc := NewUserService(&mockUserRepo{}, nil, validator.New(), zap.NewNop())
	_, err := svc.Create(context.Background(), CreateUserRequest{Email: "a@example.com", FullName: "A", Password: "secret12", Role: "INTERN"}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUserServiceUpdate(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{"1": {ID: "1", Email: "a@example.com", FullName: "Old", Role: models.RoleDeveloper, Active: true}}}
	audit := &stubAuditRecorder{}
	svc := NewUserService(repo, audit, validator.New(), zap.NewNop())
	active := false
	user, err := svc.Update(context.Background(), "1", UpdateUserRequest{FullName: "New", Role: models.RoleAdmin, Active: &active}, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)
	assert.False(t, user.Active)

	require.Len(t, audit.events, 1)
	event := audit.events[0]
	assert.Equal(t, models.AuditActionUpdate, event.action)
	previous, ok := event.previous.(models.User)
	require.True(t, ok)
	assert.Equal(t, "Old", previous.FullName)
	assert.Equal(t, models.RoleDeveloper, previous.Role)
	current, ok := event.current.(models.User)
	require.True(t, ok)
	assert.Equal(t, "New", current.FullName)
}

func TestUserServiceDelete(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{"1": {ID: "1", Email: "a@example.com", FullName: "Old", Role: models.RoleDeveloper, Active: true}}}
	audit := &stubAuditRecorder{}
	svc := NewUserService(repo, audit, validator.New(), zap.NewNop())
	err := svc.Delete(context.Background(), "1", "admin")
	require.NoError(t, err)
	assert.False(t, repo.users["1"].Active)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.AuditActionDelete, audit.events[0].action)
	assert.Nil(t, audit.events[0].current)
}

func TestUserServiceDeleteMissing(t *testing.T) {
	audit := &stubAuditRecorder{}
	svc := NewUserService(&mockUserRepo{}, audit, validator.New(), zap.NewNop())
	err := svc.Delete(context.Background(), "missing", "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.Empty(t, audit.events)
}
