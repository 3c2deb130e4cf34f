package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/buildmaster-api/internal/middleware"
	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/service"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
)

type fakeUserService struct {
	users      []models.User
	err        error
	lastFilter models.UserFilter
	lastID     string
	lastActor  string
	lastCreate service.CreateUserRequest
}

func (f *fakeUserService) List(_ context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, nil, f.err
	}
	p := models.NewPagination(1, 20, len(f.users))
	return f.users, &p, nil
}

func (f *fakeUserService) Get(_ context.Context, id string) (*models.User, error) {
	f.lastID = id
	if f.err != nil {
		return nil, f.err
	}
	return &f.users[0], nil
}

func (f *fakeUserService) Create(_ context.Context, req service.CreateUserRequest, actor string) (*models.User, error) {
	f.lastCreate, f.lastActor = req, actor
	if f.err != nil {
		return nil, f.err
	}
	return &models.User{ID: "u-new", Email: req.Email, Role: req.Role}, nil
}

func (f *fakeUserService) Update(_ context.Context, id string, req service.UpdateUserRequest, actor string) (*models.User, error) {
	f.lastID, f.lastActor = id, actor
	return &models.User{ID: id, FullName: req.FullName, Role: req.Role}, f.err
}

func (f *fakeUserService) Delete(_ context.Context, id string, actor string) error {
	f.lastID, f.lastActor = id, actor
	return f.err
}

func userContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Email: "admin@buildmaster.dev", Role: models.RoleAdmin})
	return c, rec
}

func TestUserHandlerListBindsFilter(t *testing.T) {
	svc := &fakeUserService{users: []models.User{{ID: "u-1"}}}
	h := NewUserHandler(svc, nil)

	c, rec := userContext(http.MethodGet, "/users?role=DEVELOPER&active=false&search=ana&page=2&page_size=10&sort_order=asc", "")
	h.List(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastFilter.Role)
	assert.Equal(t, models.RoleDeveloper, *svc.lastFilter.Role)
	require.NotNil(t, svc.lastFilter.Active)
	assert.False(t, *svc.lastFilter.Active)
	assert.Equal(t, "ana", svc.lastFilter.Search)
	assert.Equal(t, 2, svc.lastFilter.Page)
	assert.Equal(t, 10, svc.lastFilter.PageSize)
}

func TestUserHandlerListRejectsUnknownRole(t *testing.T) {
	svc := &fakeUserService{}
	h := NewUserHandler(svc, nil)

	c, rec := userContext(http.MethodGet, "/users?role=JANITOR", "")
	h.List(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.lastFilter.Role)
}

func TestUserHandlerCreateAttributesCaller(t *testing.T) {
	svc := &fakeUserService{}
	h := NewUserHandler(svc, nil)

	c, rec := userContext(http.MethodPost, "/users", `{"email":"dev@buildmaster.dev","full_name":"Dev","role":"DEVELOPER","password":"s3cretpass"}`)
	h.Create(c)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "admin@buildmaster.dev", svc.lastActor)
	assert.Equal(t, "dev@buildmaster.dev", svc.lastCreate.Email)
}

func TestUserHandlerCreateMalformedBody(t *testing.T) {
	svc := &fakeUserService{}
	h := NewUserHandler(svc, nil)

	c, rec := userContext(http.MethodPost, "/users", `{"email":`)
	h.Create(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.lastActor)
}

func TestUserHandlerDelete(t *testing.T) {
	svc := &fakeUserService{}
	h := NewUserHandler(svc, nil)

	c, _ := userContext(http.MethodDelete, "/users/u-9", "")
	c.Params = gin.Params{{Key: "id", Value: "u-9"}}
	h.Delete(c)

	assert.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Equal(t, "u-9", svc.lastID)
	assert.Equal(t, "admin@buildmaster.dev", svc.lastActor)
}

func TestUserHandlerGetNotFound(t *testing.T) {
	svc := &fakeUserService{err: appErrors.Clone(appErrors.ErrNotFound, "user not found")}
	h := NewUserHandler(svc, nil)

	c, rec := userContext(http.MethodGet, "/users/missing", "")
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	h.Get(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
