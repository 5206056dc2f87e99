package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
)

// SessionClaims заявки токена сессии, которые выдаёт сервер
type SessionClaims struct {
	PlayerID uint64 `json:"player_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// DisplayName возвращает имя пользователя из заявок
func (c *SessionClaims) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// KeeperOptions параметры слежения за токеном
type KeeperOptions struct {
	RefreshThreshold time.Duration // за сколько до истечения предупреждать; 0 — 5 минут
	CheckInterval    time.Duration // период проверки; 0 — 30 секунд
}

// TokenKeeper хранит токен сессии и следит за его сроком жизни.
// Подпись токена проверяет сервер; клиенту нужны только заявки, поэтому
// разбор идёт без верификации. Обновления приходят событием
// auth.token.refreshed, о приближении истечения публикуется
// auth.token.expiring (один раз на токен).
type TokenKeeper struct {
	mu     sync.RWMutex
	token  string
	claims *SessionClaims
	warned bool

	threshold time.Duration
	interval  time.Duration

	bus    eventbus.EventBus
	logger *logging.Logger
}

// NewTokenKeeper создаёт хранитель токена
func NewTokenKeeper(bus eventbus.EventBus, logger *logging.Logger, opts KeeperOptions) *TokenKeeper {
	if logger == nil {
		logger = logging.NewConsoleLogger("auth")
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = 5 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	return &TokenKeeper{
		threshold: opts.RefreshThreshold,
		interval:  opts.CheckInterval,
		bus:       bus,
		logger:    logger,
	}
}

// Start подписывается на обновления токена и запускает слежение за сроком.
// Останавливается отменой контекста.
func (k *TokenKeeper) Start(ctx context.Context) error {
	var sub eventbus.Subscription
	if k.bus != nil {
		var err error
		sub, err = k.bus.Subscribe(ctx,
			eventbus.Filter{Types: []string{eventbus.EventTokenRefreshed}},
			k.onRefreshed)
		if err != nil {
			return fmt.Errorf("не удалось подписаться на обновления токена: %w", err)
		}
	}

	go k.watch(ctx, sub)
	k.logger.Info("🔐 Хранитель токена запущен: порог=%s, период=%s", k.threshold, k.interval)
	return nil
}

// onRefreshed принимает обновлённый токен с шины
func (k *TokenKeeper) onRefreshed(ctx context.Context, env *eventbus.Envelope) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		k.logger.Warn("Событие обновления токена без токена: %v", err)
		return
	}
	if err := k.SetToken(payload.Token); err != nil {
		k.logger.Warn("Обновлённый токен не разобран: %v", err)
	}
}

func (k *TokenKeeper) watch(ctx context.Context, sub eventbus.Subscription) {
	if sub != nil {
		defer sub.Unsubscribe()
	}

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.checkExpiry()
		}
	}
}

// checkExpiry публикует предупреждение, когда до истечения меньше порога
func (k *TokenKeeper) checkExpiry() {
	k.mu.Lock()
	claims := k.claims
	if claims == nil || claims.ExpiresAt == nil || k.warned {
		k.mu.Unlock()
		return
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining > k.threshold {
		k.mu.Unlock()
		return
	}
	k.warned = true
	k.mu.Unlock()

	k.logger.Warn("⚠️ Токен сессии истекает через %s, нужна повторная аутентификация", remaining.Round(time.Second))
	if k.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env := eventbus.NewEnvelope("auth", eventbus.EventTokenExpiring, map[string]interface{}{
			"subject":   claims.DisplayName(),
			"expiresAt": claims.ExpiresAt.Time,
		})
		if err := k.bus.Publish(ctx, env); err != nil {
			k.logger.Warn("Не удалось опубликовать предупреждение об истечении токена: %v", err)
		}
	}
}

// SetToken разбирает и сохраняет токен; пустая строка стирает сессию
func (k *TokenKeeper) SetToken(token string) error {
	if token == "" {
		k.mu.Lock()
		k.token = ""
		k.claims = nil
		k.warned = false
		k.mu.Unlock()
		return nil
	}

	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("токен не разобран: %w", err)
	}

	k.mu.Lock()
	k.token = token
	k.claims = claims
	k.warned = false
	k.mu.Unlock()

	k.logger.Info("✅ Токен сессии обновлён: subject=%s", claims.DisplayName())
	return nil
}

// Token возвращает текущий токен сессии
func (k *TokenKeeper) Token() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.token
}

// Claims возвращает копию заявок текущего токена
func (k *TokenKeeper) Claims() (SessionClaims, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.claims == nil {
		return SessionClaims{}, false
	}
	return *k.claims, true
}

// ExpiresAt возвращает срок истечения токена
func (k *TokenKeeper) ExpiresAt() (time.Time, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.claims == nil || k.claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return k.claims.ExpiresAt.Time, true
}

// TimeToExpiry возвращает оставшееся время жизни токена;
// false, если токен отсутствует или бессрочный
func (k *TokenKeeper) TimeToExpiry() (time.Duration, bool) {
	exp, ok := k.ExpiresAt()
	if !ok {
		return 0, false
	}
	return time.Until(exp), true
}
