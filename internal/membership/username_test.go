package membership

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateUsernameDeterministic(t *testing.T) {
	a := CreateUsername("consumer-key", "ext-user-1")
	b := CreateUsername("consumer-key", "ext-user-1")

	assert.Equal(t, a, b)
	assert.Regexp(t, "^ltiprovider[0-9a-f]{32}$", a)
}

func TestCreateUsernameMatchesKnownDerivation(t *testing.T) {
	sum := md5.Sum([]byte("ck" + "::" + "ck" + ":" + "u1"))
	want := "ltiprovider" + hex.EncodeToString(sum[:])

	assert.Equal(t, want, CreateUsername("ck", "u1"))
}

func TestCreateUsernameEmptyInputs(t *testing.T) {
	// An empty consumer key or user id drops the user-key component
	// entirely rather than producing "ck::ck:".
	sum := md5.Sum([]byte("ck" + "::"))
	want := "ltiprovider" + hex.EncodeToString(sum[:])

	assert.Equal(t, want, CreateUsername("ck", ""))
	assert.NotEqual(t, CreateUsername("ck", ""), CreateUsername("ck", "u1"))
}

func TestCreateUsernameDistinguishesIdentities(t *testing.T) {
	assert.NotEqual(t, CreateUsername("ck1", "u1"), CreateUsername("ck2", "u1"))
	assert.NotEqual(t, CreateUsername("ck1", "u1"), CreateUsername("ck1", "u2"))
}

func TestLegacyUsernameDiffersFromCurrent(t *testing.T) {
	sum := md5.Sum([]byte("ck" + ":" + "u1"))
	want := "ltiprovider" + hex.EncodeToString(sum[:])

	assert.Equal(t, want, LegacyUsername("ck", "u1"))
	assert.NotEqual(t, LegacyUsername("ck", "u1"), CreateUsername("ck", "u1"))
}
