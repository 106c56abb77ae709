// Package store defines the persistence boundary the in-memory registry
// treats as an opaque collaborator: credential storage is the only durable
// state, so Manager only ever depends on this interface, never on a
// concrete database.
package store

import "context"

// Credential is one user's persisted identity: its numeric id and bcrypt
// password hash.
type Credential struct {
	UserID   int64
	Password string // bcrypt hash
}

// Store is the durable side of user credentials. It is intentionally
// narrow: room membership, message logs, live connections and
// verification state are all in-memory-only and are never read from or
// written to a Store.
type Store interface {
	// LoadCredentials returns every known user's id and password hash, used
	// once at startup to repopulate the in-memory registry.
	LoadCredentials(ctx context.Context) ([]Credential, error)
	// SaveCredential upserts a single user's password hash.
	SaveCredential(ctx context.Context, cred Credential) error
	// NextUserID returns the next identifier a Store-backed deployment
	// should use, so the id allocator in Manager and the persisted table
	// never disagree across restarts. Pass the in-memory allocator's next
	// value; implementations return whichever is larger and write nothing.
	NextUserID(ctx context.Context, hint int64) (int64, error)
	Close() error
}

// Noop is a Store that persists nothing; it is the default when no
// database path is configured, keeping the registry purely in-memory as
// keeping the registry purely in-memory.
type Noop struct{}

func (Noop) LoadCredentials(context.Context) ([]Credential, error) { return nil, nil }
func (Noop) SaveCredential(context.Context, Credential) error      { return nil }
func (Noop) NextUserID(_ context.Context, hint int64) (int64, error) { return hint, nil }
func (Noop) Close() error                                          { return nil }
