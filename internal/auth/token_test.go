package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, sub, username string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username: username,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestSenderFromToken(t *testing.T) {
	sender, err := SenderFromToken(signed(t, "user-1", "alice"))
	require.NoError(t, err)
	assert.Equal(t, store.Sender{ID: "user-1", Username: "alice"}, sender)

	// Missing claims become empty strings.
	sender, err = SenderFromToken(signed(t, "", ""))
	require.NoError(t, err)
	assert.Equal(t, store.Sender{}, sender)

	sender, err = SenderFromToken("")
	require.NoError(t, err)
	assert.Equal(t, store.Sender{}, sender)

	_, err = SenderFromToken("not-a-jwt")
	assert.Error(t, err)
}

func TestProviderLogout(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindLoggedOut, 1)
	defer unsub()

	p := NewProvider(signed(t, "user-1", "alice"), b, nil)
	assert.NotEmpty(t, p.CurrentToken())
	assert.Equal(t, "alice", p.Sender().Username)

	p.Logout()
	assert.Empty(t, p.CurrentToken())
	assert.Equal(t, store.Sender{}, p.Sender())

	select {
	case evt := <-ch:
		assert.Equal(t, bus.KindLoggedOut, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for logged_out event")
	}
}

func TestProviderKeepsOpaqueToken(t *testing.T) {
	p := NewProvider("opaque", nil, nil)
	assert.Equal(t, "opaque", p.CurrentToken())
	assert.Equal(t, store.Sender{}, p.Sender())
}
