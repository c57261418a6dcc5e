package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// errBadCredential is the single 401 returned for every authentication
// failure. Malformed, unknown, expired and revoked credentials must be
// indistinguishable to the caller.
var errBadCredential = apierror.NotAuthenticated("invalid or expired credential")

// Actor is the authenticated identity attached to a request context. A
// non-empty RunnerID marks a runner credential; those carry no role
// grants and are authorized by runner identity instead.
type Actor struct {
	UserID    string
	RunnerID  string
	SessionID string
}

type actorKey struct{}

// FromContext returns the actor attached by the auth middleware, or nil
// for unauthenticated routes.
func FromContext(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}

// WithActor attaches an actor to the context. Exported for handler tests.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// HashSecret returns the hex SHA-256 of a credential secret. Only hashes
// are persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewCredential mints a session secret and returns the bearer credential
// "<secret>.<sessionID>" together with the session record to persist.
func NewCredential(userID string, ttl time.Duration) (string, *types.Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, apierror.Internal(err)
	}
	secret := hex.EncodeToString(raw)
	sess := &types.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: HashSecret(secret),
		Expires:   time.Now().Add(ttl),
		CreatedAt: time.Now(),
	}
	return secret + "." + sess.ID, sess, nil
}

// NewRunnerCredential mints a session bound to a runner instead of a
// user. The credential format on the wire is identical.
func NewRunnerCredential(runnerID string, ttl time.Duration) (string, *types.Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, apierror.Internal(err)
	}
	secret := hex.EncodeToString(raw)
	sess := &types.Session{
		ID:        uuid.NewString(),
		RunnerID:  runnerID,
		TokenHash: HashSecret(secret),
		Expires:   time.Now().Add(ttl),
		CreatedAt: time.Now(),
	}
	return secret + "." + sess.ID, sess, nil
}

// Authenticate resolves a bearer credential of the form
// "<secret>.<sessionID>" to its actor. Every failure mode returns the
// same error.
func Authenticate(ctx context.Context, st *store.Store, credential string) (*Actor, error) {
	dot := strings.LastIndex(credential, ".")
	if dot <= 0 || dot == len(credential)-1 {
		return nil, errBadCredential
	}
	secret, sessionID := credential[:dot], credential[dot+1:]

	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errBadCredential
	}
	if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(HashSecret(secret))) != 1 {
		return nil, errBadCredential
	}
	if sess.Revoked != nil || time.Now().After(sess.Expires) {
		return nil, errBadCredential
	}
	return &Actor{UserID: sess.UserID, RunnerID: sess.RunnerID, SessionID: sess.ID}, nil
}

// bearer extracts the credential from the Authorization header.
func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errBadCredential
	}
	return strings.TrimSpace(h[len(prefix):]), nil
}
