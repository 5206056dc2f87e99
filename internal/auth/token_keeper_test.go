package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
)

func makeSessionToken(t *testing.T, claims *SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("тестовый-секрет-вне-продакшена"))
	require.NoError(t, err)
	return signed
}

func TestSetTokenParsesClaims(t *testing.T) {
	k := NewTokenKeeper(nil, logging.NewConsoleLogger("auth-test"), KeeperOptions{})

	exp := time.Now().Add(time.Hour)
	raw := makeSessionToken(t, &SessionClaims{
		PlayerID: 42,
		Username: "hero",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Subject:   "hero",
		},
	})
	require.NoError(t, k.SetToken(raw))

	assert.Equal(t, raw, k.Token())

	claims, ok := k.Claims()
	require.True(t, ok)
	assert.Equal(t, uint64(42), claims.PlayerID)
	assert.Equal(t, "hero", claims.Username)
	assert.Equal(t, "hero", claims.DisplayName())

	got, ok := k.ExpiresAt()
	require.True(t, ok)
	assert.WithinDuration(t, exp, got, time.Second)

	remaining, ok := k.TimeToExpiry()
	require.True(t, ok)
	assert.Greater(t, remaining, 59*time.Minute)
}

// Мусор не затирает действующий токен
func TestSetTokenInvalid(t *testing.T) {
	k := NewTokenKeeper(nil, logging.NewConsoleLogger("auth-test"), KeeperOptions{})

	raw := makeSessionToken(t, &SessionClaims{
		Username:         "hero",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	require.NoError(t, k.SetToken(raw))

	assert.Error(t, k.SetToken("не-jwt-вовсе"))
	assert.Equal(t, raw, k.Token())
	_, ok := k.Claims()
	assert.True(t, ok)
}

// Пустой токен стирает сессию
func TestSetTokenEmpty(t *testing.T) {
	k := NewTokenKeeper(nil, logging.NewConsoleLogger("auth-test"), KeeperOptions{})

	raw := makeSessionToken(t, &SessionClaims{Username: "hero"})
	require.NoError(t, k.SetToken(raw))
	require.NoError(t, k.SetToken(""))

	assert.Empty(t, k.Token())
	_, ok := k.Claims()
	assert.False(t, ok)
	_, ok = k.TimeToExpiry()
	assert.False(t, ok)
}

// Предупреждение публикуется один раз на токен
func TestExpiringEventPublished(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	got := make(chan *eventbus.Envelope, 4)
	sub, err := bus.Subscribe(context.Background(),
		eventbus.Filter{Types: []string{eventbus.EventTokenExpiring}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			select {
			case got <- ev:
			default:
			}
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	k := NewTokenKeeper(bus, logging.NewConsoleLogger("auth-test"), KeeperOptions{
		RefreshThreshold: time.Minute,
		CheckInterval:    10 * time.Millisecond,
	})
	raw := makeSessionToken(t, &SessionClaims{
		Username:         "hero",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Second))},
	})
	require.NoError(t, k.SetToken(raw))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))

	select {
	case ev := <-got:
		assert.Contains(t, string(ev.Payload), "hero")
	case <-time.After(2 * time.Second):
		t.Fatal("событие auth.token.expiring не получено")
	}

	// Повторных предупреждений для того же токена нет
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got)
}

// Токен без срока не порождает предупреждений
func TestNoExpiryNoWarning(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	got := make(chan *eventbus.Envelope, 1)
	sub, err := bus.Subscribe(context.Background(),
		eventbus.Filter{Types: []string{eventbus.EventTokenExpiring}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			select {
			case got <- ev:
			default:
			}
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	k := NewTokenKeeper(bus, logging.NewConsoleLogger("auth-test"), KeeperOptions{
		RefreshThreshold: time.Minute,
		CheckInterval:    10 * time.Millisecond,
	})
	require.NoError(t, k.SetToken(makeSessionToken(t, &SessionClaims{Username: "hero"})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got)
}

// Событие auth.token.refreshed подхватывается с шины
func TestRefreshEventUpdatesToken(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	k := NewTokenKeeper(bus, logging.NewConsoleLogger("auth-test"), KeeperOptions{
		CheckInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))

	raw := makeSessionToken(t, &SessionClaims{
		PlayerID:         7,
		Username:         "обновлённый",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	env := eventbus.NewEnvelope("sync", eventbus.EventTokenRefreshed, map[string]string{"token": raw})
	require.NoError(t, bus.Publish(context.Background(), env))

	require.Eventually(t, func() bool {
		return k.Token() == raw
	}, 2*time.Second, 10*time.Millisecond)

	claims, ok := k.Claims()
	require.True(t, ok)
	assert.Equal(t, uint64(7), claims.PlayerID)
}
