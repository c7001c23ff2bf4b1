package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trademonitor/order-engine/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// memUsers is an in-memory UserStore for tests.
type memUsers struct {
	users  map[string]*models.User
	nextID int
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*models.User)}
}

func (m *memUsers) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	if _, exists := m.users[username]; exists {
		return nil, fmt.Errorf("username taken")
	}
	m.nextID++
	u := &models.User{ID: m.nextID, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[username] = u
	return u, nil
}

func (m *memUsers) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	return u, nil
}

func TestAuthService_Register(t *testing.T) {
	svc := NewAuthService(newMemUsers(), "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, "trader1", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "trader1", user.Username)

	// Stored hash verifies against the original password
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter22")))

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"EmptyUsername", "", "pass"},
		{"EmptyPassword", "trader2", ""},
		{"UsernameTooLong", string(make([]byte, 51)), "pass"},
		{"DuplicateUsername", "trader1", "pass"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password)
			assert.Error(t, err)
		})
	}
}

func TestAuthService_LoginAndToken(t *testing.T) {
	svc := NewAuthService(newMemUsers(), "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, "trader1", "hunter22")
	require.NoError(t, err)

	token, err := svc.Login(ctx, "trader1", "hunter22")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := svc.GetUserFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	_, err = svc.Login(ctx, "trader1", "wrong-password")
	assert.Error(t, err)
	_, err = svc.Login(ctx, "nobody", "hunter22")
	assert.Error(t, err)
}

func TestAuthService_RejectsForeignToken(t *testing.T) {
	ctx := context.Background()

	svcA := NewAuthService(newMemUsers(), "secret-a")
	svcB := NewAuthService(newMemUsers(), "secret-b")

	_, err := svcA.Register(ctx, "trader1", "hunter22")
	require.NoError(t, err)
	token, err := svcA.Login(ctx, "trader1", "hunter22")
	require.NoError(t, err)

	// A token signed with another secret never validates
	_, err = svcB.GetUserFromToken(token)
	assert.Error(t, err)

	_, err = svcA.GetUserFromToken("not-a-token")
	assert.Error(t, err)
}
