package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher(t *testing.T) {
	h := testHasher()

	hash, err := h.Hash(alicePassword)
	require.NoError(t, err)
	assert.NotEqual(t, alicePassword, hash)
	assert.True(t, h.Matches(hash, alicePassword))
	assert.False(t, h.Matches(hash, "something else"))
	assert.False(t, h.Matches("not-a-bcrypt-hash", alicePassword))
}

func TestNewHasherClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).cost)
	assert.NotEmpty(t, NewHasher(bcrypt.MinCost).dummy)
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("twelve chars"))
	assert.ErrorIs(t, ValidatePassword("eleven char"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePassword(strings.Repeat("a", 73)), ErrWeakPassword)
	assert.NoError(t, ValidatePassword(strings.Repeat("é", 36)))
}
