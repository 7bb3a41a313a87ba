package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

// Recorder receives engine outcomes for metrics.
type Recorder interface {
	ObserveAuth(operation, outcome string)
	ObserveRefreshReuse()
}

// Engine implements registration, login, refresh rotation and logout on top
// of a Store and a Codec. It keeps no credential or token state of its own.
type Engine struct {
	store        Store
	codec        *Codec
	now          func() time.Time
	refreshTTL   time.Duration
	bcryptCost   int
	storeTimeout time.Duration
	reuseRevokes bool
	log          logrus.FieldLogger
	metrics      Recorder
	validate     *validator.Validate

	dummyOnce sync.Once
	dummyHash []byte
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.refreshTTL = ttl
		}
		return nil
	}
}

// WithBcryptCost sets the password hashing work factor.
func WithBcryptCost(cost int) EngineOption {
	return func(e *Engine) error {
		if cost == 0 {
			return nil
		}
		if cost < MinBcryptCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost %d outside [%d,%d]", ErrConfiguration, cost, MinBcryptCost, bcrypt.MaxCost)
		}
		e.bcryptCost = cost
		return nil
	}
}

// WithStoreTimeout bounds every store call made by the engine.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d > 0 {
			e.storeTimeout = d
		}
		return nil
	}
}

// WithReuseRevocation makes a detected refresh replay revoke every refresh
// token of the affected account.
func WithReuseRevocation(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.reuseRevokes = enabled
		return nil
	}
}

// WithLogger sets the logger used for store failures and security events.
func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.log = l
		}
		return nil
	}
}

// WithMetrics sets the outcome recorder.
func WithMetrics(r Recorder) EngineOption {
	return func(e *Engine) error {
		e.metrics = r
		return nil
	}
}

// NewEngine constructs an Engine with optional configuration.
func NewEngine(store Store, codec *Codec, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: token codec is required", ErrConfiguration)
	}
	discard := logrus.New()
	discard.SetLevel(logrus.PanicLevel)
	e := &Engine{
		store:      store,
		codec:      codec,
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
		bcryptCost: DefaultBcryptCost,
		log:        discard,
		validate:   validator.New(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// TokenPair is an access token and a refresh token with their expirations.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	User User
	TokenPair
}

// RegisterInput carries the registration fields. An empty Role means RoleUser.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// Register validates the input, hashes the password and persists the account.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (_ User, err error) {
	defer func() { e.observe("register", err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	email := NormalizeEmail(in.Email)
	if err := e.checkEmail(email); err != nil {
		return User{}, err
	}
	if err := CheckPasswordStrength(in.Password); err != nil {
		return User{}, err
	}
	role, err := ParseRole(in.Role)
	if err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password, e.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	user, err := e.store.Users().Create(ctx, NewUser{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Permissions:  []string{},
		CreatedAt:    e.now().UTC(),
	})
	if errors.Is(err, ErrDuplicateEmail) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, e.storeFailure("register", err)
	}
	return user, nil
}

// Login verifies credentials and issues an access token and a fresh refresh
// token. Exactly one refresh record is persisted per successful call.
func (e *Engine) Login(ctx context.Context, email, password string, meta TokenMeta) (_ LoginResult, err error) {
	defer func() { e.observe("login", err) }()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	sctx, cancel := e.storeCtx(ctx)
	creds, err := e.store.Users().FindCredentials(sctx, email)
	cancel()
	if errors.Is(err, ErrNotFound) {
		e.equalizeTiming(password)
		return LoginResult{}, ErrUserNotFound
	}
	if err != nil {
		return LoginResult{}, e.storeFailure("login", err)
	}
	if err := VerifyPassword(creds.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return LoginResult{}, ErrInvalidCredentials
		}
		e.log.WithError(err).WithField("user_id", creds.ID).Error("stored password hash unusable")
		return LoginResult{}, fmt.Errorf("verify password: %w", err)
	}

	pair, err := e.issue(ctx, creds.User, meta)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: creds.User, TokenPair: pair}, nil
}

// Refresh consumes a refresh token and returns a new pair. The consumed token
// is revoked and linked to its successor; presenting it again fails.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, meta TokenMeta) (_ TokenPair, err error) {
	defer func() { e.observe("refresh", err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrMissingToken
	}
	digest := DigestRefreshToken(refreshToken)
	now := e.now().UTC()
	tokens := e.store.RefreshTokens()

	sctx, cancel := e.storeCtx(ctx)
	record, err := tokens.FindValidByHash(sctx, digest, now)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, e.classifyMiss(ctx, digest, now)
	}
	if err != nil {
		return TokenPair{}, e.storeFailure("refresh", err)
	}
	if !now.Before(record.ExpiresAt) {
		return TokenPair{}, ErrTokenExpired
	}

	sctx, cancel = e.storeCtx(ctx)
	user, err := e.store.Users().FindByID(sctx, record.UserID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		e.revokeAll(ctx, record.UserID, now, "owner missing")
		return TokenPair{}, ErrUserNotFound
	}
	if err != nil {
		return TokenPair{}, e.storeFailure("refresh", err)
	}

	access, accessExp, err := e.codec.MintAccess(subjectOf(user))
	if err != nil {
		return TokenPair{}, err
	}
	plain, nextDigest, err := NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	next := NewRefreshToken{
		UserID:    user.ID,
		TokenHash: nextDigest,
		ExpiresAt: now.Add(e.refreshTTL),
		Meta:      meta,
		CreatedAt: now,
	}

	sctx, cancel = e.storeCtx(ctx)
	stored, err := tokens.RevokeAndReplace(sctx, record, next, now)
	cancel()
	if errors.Is(err, ErrRefreshReuse) {
		e.onReuse(ctx, record, now)
		return TokenPair{}, ErrRefreshReuse
	}
	if err != nil {
		return TokenPair{}, e.storeFailure("refresh", err)
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plain,
		RefreshExpiresAt: stored.ExpiresAt,
	}, nil
}

// Logout revokes the refresh token if it is still active. Missing, unknown
// and already revoked tokens are not errors.
func (e *Engine) Logout(ctx context.Context, refreshToken string) (err error) {
	defer func() { e.observe("logout", err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.RefreshTokens().RevokeByHash(ctx, DigestRefreshToken(refreshToken), e.now().UTC()); err != nil {
		return e.storeFailure("logout", err)
	}
	return nil
}

// VerifyAccessToken checks an access token and returns its claims.
func (e *Engine) VerifyAccessToken(token string) (*Claims, error) {
	return e.codec.VerifyAccess(token)
}

// Authenticate verifies an access token and loads the current state of its
// account, so role and permission changes apply from the next request on.
func (e *Engine) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims, err := e.codec.VerifyAccess(token)
	if err != nil {
		return Identity{}, err
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	user, err := e.store.Users().FindByID(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, e.storeFailure("authenticate", err)
	}
	return IdentityFromUser(user), nil
}

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.Ping(ctx)
}

func (e *Engine) issue(ctx context.Context, user User, meta TokenMeta) (TokenPair, error) {
	now := e.now().UTC()
	access, accessExp, err := e.codec.MintAccess(subjectOf(user))
	if err != nil {
		return TokenPair{}, err
	}
	plain, digest, err := NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	stored, err := e.store.RefreshTokens().Create(ctx, NewRefreshToken{
		UserID:    user.ID,
		TokenHash: digest,
		ExpiresAt: now.Add(e.refreshTTL),
		Meta:      meta,
		CreatedAt: now,
	})
	if err != nil {
		return TokenPair{}, e.storeFailure("issue refresh token", err)
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plain,
		RefreshExpiresAt: stored.ExpiresAt,
	}, nil
}

// classifyMiss explains why no valid record matched a presented digest.
func (e *Engine) classifyMiss(ctx context.Context, digest string, now time.Time) error {
	sctx, cancel := e.storeCtx(ctx)
	record, err := e.store.RefreshTokens().FindByHash(sctx, digest)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrInvalidToken
	case err != nil:
		return e.storeFailure("refresh", err)
	case record.Revoked() && record.ReplacedBy != "":
		e.onReuse(ctx, record, now)
		return ErrRefreshReuse
	case record.Revoked():
		return ErrInvalidToken
	case !now.Before(record.ExpiresAt):
		return ErrTokenExpired
	default:
		return ErrInvalidToken
	}
}

func (e *Engine) onReuse(ctx context.Context, record RefreshToken, now time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveRefreshReuse()
	}
	e.log.WithFields(logrus.Fields{
		"user_id":  record.UserID,
		"token_id": record.ID,
	}).Warn("refresh token replay detected")
	if e.reuseRevokes {
		e.revokeAll(ctx, record.UserID, now, "refresh token replay")
	}
}

func (e *Engine) revokeAll(ctx context.Context, userID string, now time.Time, reason string) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.RefreshTokens().RevokeAllForUser(ctx, userID, now)
	entry := e.log.WithFields(logrus.Fields{"user_id": userID, "reason": reason})
	if err != nil {
		entry.WithError(err).Error("revoke refresh tokens failed")
		return
	}
	entry.WithField("revoked", n).Info("refresh tokens revoked")
}

func (e *Engine) checkEmail(email string) error {
	if err := e.validate.Var(email, "required,email,max=254"); err != nil {
		return fmt.Errorf("%w: email is not valid", ErrValidation)
	}
	return nil
}

// equalizeTiming spends a bcrypt comparison so that unknown emails take as
// long to reject as wrong passwords.
func (e *Engine) equalizeTiming(password string) {
	e.dummyOnce.Do(func() {
		e.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), e.bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(e.dummyHash, []byte(password))
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) storeFailure(op string, err error) error {
	if !errors.Is(err, ErrStoreUnavailable) {
		err = StoreError(op, err)
	}
	e.log.WithError(err).WithField("operation", op).Error("store operation failed")
	return err
}

func (e *Engine) observe(op string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveAuth(op, Outcome(err))
}

// Outcome maps an engine error to a short label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid_input"
	case errors.Is(err, ErrDuplicateEmail), errors.Is(err, ErrDuplicateKey):
		return "conflict"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrRefreshReuse):
		return "reuse"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func subjectOf(u User) AccessSubject {
	return AccessSubject{ID: u.ID, Email: u.Email, Role: u.Role, Name: u.Name}
}
