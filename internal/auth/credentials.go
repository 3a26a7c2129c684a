package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// RootUsername is the fixed username of the single credential row.
const RootUsername = "__sleepy__"

// Credentials stores and checks the root password.
//
// Clients may pre-hash the password with SHA-256 (hashed=true) so the raw
// password never crosses the wire; the server normalizes both forms to that
// pre-hash and stores a bcrypt hash of it.
type Credentials struct {
	store  *storage.Store
	cost   int
	logger *zap.Logger
}

// NewCredentials creates a credential store. cost 0 uses bcrypt.DefaultCost.
func NewCredentials(store *storage.Store, cost int, logger *zap.Logger) *Credentials {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Credentials{store: store, cost: cost, logger: logger}
}

// normalizePassword returns the client-side pre-hash of a password.
func normalizePassword(password string, hashed bool) string {
	if hashed {
		return password
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// IsInitialized reports whether the credential row exists.
func (c *Credentials) IsInitialized(ctx context.Context) (bool, error) {
	cred, err := c.store.GetCredential(ctx, RootUsername)
	if err != nil {
		return false, hostErrors.Internal("Cannot read credentials", err)
	}
	return cred != nil, nil
}

// Initialize stores the root password. Fails with Conflict if already set.
func (c *Credentials) Initialize(ctx context.Context, password string, hashed bool) error {
	if password == "" {
		return hostErrors.BadRequest("Password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(normalizePassword(password, hashed)), c.cost)
	if err != nil {
		return hostErrors.Internal("Cannot hash password", err)
	}

	err = c.store.InsertCredential(ctx, &storage.Credential{
		Username: RootUsername,
		Password: string(hash),
		Salt:     string(hash[:29]), // "$2a$" + cost + "$" + 22-char salt
	})
	if errors.Is(err, storage.ErrCredentialExists) {
		return hostErrors.Conflict("Auth already initialized")
	}
	if err != nil {
		return hostErrors.Internal("Cannot store credentials", err)
	}

	c.logger.Info("credentials initialized")
	return nil
}

// Verify checks a password. Fails with Forbidden if credentials are not
// initialized and Unauthorized on mismatch.
func (c *Credentials) Verify(ctx context.Context, password string, hashed bool) error {
	cred, err := c.store.GetCredential(ctx, RootUsername)
	if err != nil {
		return hostErrors.Internal("Cannot read credentials", err)
	}
	if cred == nil {
		return hostErrors.Forbidden("Auth not initialized")
	}

	err = bcrypt.CompareHashAndPassword([]byte(cred.Password), []byte(normalizePassword(password, hashed)))
	if err != nil {
		c.logger.Warn("password mismatch during login")
		return hostErrors.Unauthorized("Incorrect password")
	}
	return nil
}

// ensureInitialized fails with Forbidden when no credential row exists.
func (c *Credentials) ensureInitialized(ctx context.Context) error {
	ok, err := c.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return hostErrors.Forbidden("Auth not initialized")
	}
	return nil
}
