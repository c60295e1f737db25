package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoad(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	a, err := s.Load("me@example.com")
	require.NoError(t, err)
	assert.Nil(t, a, "unregistered account has auth")

	reg, err := s.Register("me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", reg.Account)
	_, err = uuid.Parse(reg.UUID)
	assert.NoError(t, err, "not a uuid: %q", reg.UUID)

	a, err = s.Load("me@example.com")
	require.NoError(t, err)
	assert.Equal(t, reg, a)

	other, err := s.Load("other@example.com")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestForget(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))
	assert.NoError(t, s.Forget("me@example.com"), "forgetting unknown account")

	_, err := s.Register("me@example.com")
	require.NoError(t, err)
	require.NoError(t, s.Forget("me@example.com"))
	a, err := s.Load("me@example.com")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestLoadCorrupt(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: itemKey("me@example.com"), Data: []byte("{")}})
	_, err := New(ring).Load("me@example.com")
	assert.Error(t, err)
}
