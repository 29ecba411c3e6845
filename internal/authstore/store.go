// Package authstore implements the Client Authenticator: a persisted table
// of bearer tokens accepted on the inbound side of the proxy, fronted by a
// short-lived in-process cache so steady-state traffic never round-trips to
// the database.
package authstore

import (
	"context"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/patrickmn/go-cache"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// cacheTTL bounds how stale a cached verification result can be; a token
// revoked through the admin CLI is honored within this window.
const cacheTTL = 30 * time.Second

// cacheEntry is what Store caches per API key: the validity bit plus the
// credential's row id and name, so Verify's bookkeeping update targets the
// right row and callers can identify which credential served a request.
type cacheEntry struct {
	valid bool
	id    uint
	name  string
}

// Store is the gorm-backed client-credential table, fronted by an in-process
// TTL cache.
type Store struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger *zap.Logger
}

// Open connects to dsn, dispatching to the driver implied by its scheme:
// "mysql://" and "postgres://"/"postgresql://" prefixes select those
// drivers; anything else is treated as a sqlite file path. The client
// credentials table is auto-migrated on open.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open client credential store")
	}

	if err := db.AutoMigrate(&ClientCredential{}); err != nil {
		return nil, errors.Wrap(err, "auto-migrate client_credentials")
	}

	return &Store{
		db:     db,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		logger: logger,
	}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case dsn == "":
		return nil, errors.New("empty client credential store DSN")
	default:
		return sqlite.Open(dsn), nil
	}
}

// Verify reports whether token is a known, non-revoked client credential. On
// a cache miss it queries the database; a hit or miss is cached either way so
// a flood of bad tokens cannot hammer the database. A positive result, cached
// or not, additionally records last-used bookkeeping inline, as a single
// indexed-row update on the authentication path.
func (s *Store) Verify(ctx context.Context, token string) bool {
	entry := s.lookup(ctx, token)
	return entry.valid
}

// Identify verifies token and, when valid, also returns the credential's row
// id and name so the caller can attribute the request to it.
func (s *Store) Identify(ctx context.Context, token string) (id uint, name string, ok bool) {
	entry := s.lookup(ctx, token)
	return entry.id, entry.name, entry.valid
}

func (s *Store) lookup(ctx context.Context, token string) cacheEntry {
	if token == "" {
		return cacheEntry{}
	}

	if cached, ok := s.cache.Get(token); ok {
		entry := cached.(cacheEntry)
		if entry.valid {
			s.touch(ctx, entry.id)
		}
		return entry
	}

	var cred ClientCredential
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND revoked = ?", token, false).
		First(&cred).Error
	if err != nil {
		entry := cacheEntry{valid: false}
		s.cache.SetDefault(token, entry)
		return entry
	}

	entry := cacheEntry{valid: true, id: cred.ID, name: cred.Name}
	s.cache.SetDefault(token, entry)
	s.touch(ctx, cred.ID)
	return entry
}

func (s *Store) touch(ctx context.Context, id uint) {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&ClientCredential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_used_at":  now,
			"request_count": gorm.Expr("request_count + 1"),
		}).Error
	if err != nil && s.logger != nil {
		s.logger.Warn("failed to record client credential usage", zap.Error(err), zap.Uint("id", id))
	}
}

// Generate creates a new client credential row for the caller-supplied token.
func (s *Store) Generate(ctx context.Context, name, token string) error {
	cred := ClientCredential{APIKey: token, Name: name}
	return errors.Wrap(s.db.WithContext(ctx).Create(&cred).Error, "create client credential")
}

// Revoke marks token as revoked and drops it from this Store's cache. Another
// process's Store (e.g. the proxy, when revoking through the admin CLI) keeps
// honoring a cached positive verification until cacheTTL expires.
func (s *Store) Revoke(ctx context.Context, token string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&ClientCredential{}).
		Where("api_key = ?", token).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	if result.Error != nil {
		return errors.Wrap(result.Error, "revoke client credential")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("no client credential matching token")
	}
	s.cache.Delete(token)
	return nil
}

// Enable clears the revoked flag on token, re-admitting it.
func (s *Store) Enable(ctx context.Context, token string) error {
	result := s.db.WithContext(ctx).Model(&ClientCredential{}).
		Where("api_key = ?", token).
		Updates(map[string]any{"revoked": false, "revoked_at": nil})
	if result.Error != nil {
		return errors.Wrap(result.Error, "enable client credential")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("no client credential matching token")
	}
	s.cache.Delete(token)
	return nil
}

// List returns every client credential ordered by creation time.
func (s *Store) List(ctx context.Context) ([]ClientCredential, error) {
	var creds []ClientCredential
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&creds).Error
	return creds, errors.Wrap(err, "list client credentials")
}

// Stats returns aggregate usage for one credential by name.
func (s *Store) Stats(ctx context.Context, name string) (ClientCredential, error) {
	var cred ClientCredential
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&cred).Error
	return cred, errors.Wrap(err, "load client credential stats")
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "obtain underlying sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "close client credential store")
}
