// Package sessionstore keeps inbound group sessions in a SQLCipher database and implements the
// crypto backend storage the keyshare extension reads from and imports into.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	keyshare "github.com/river-build/go-keyshare"
	"github.com/river-build/go-keyshare/config"
	"github.com/river-build/go-keyshare/internal/db"
	"github.com/river-build/go-keyshare/migration"
	"go.uber.org/zap"
)

type Store struct {
	db  *db.Database
	log *zap.SugaredLogger
}

var _ keyshare.CryptoBackend = (*Store)(nil)

// Opens the store at path, creating it when it doesn't exist yet. key must be 32 bytes.
func Open(c *config.Config, path string, key []byte) (*Store, error) {
	d, err := db.NewDatabase(c, path)
	if err != nil {
		return nil, err
	}
	if !d.Initialized() {
		if err := d.Initialize(key); err != nil {
			return nil, fmt.Errorf("sessionstore: error initializing: %w", err)
		}
	}
	if err := d.Open(key); err != nil {
		return nil, fmt.Errorf("sessionstore: error opening: %w", err)
	}
	if err := d.Migrate("sessionstore", []*migration.Migration{
		{
			Name: "create inbound group sessions",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE inbound_group_sessions (
	sender_key STRING NOT NULL,
	session_id STRING NOT NULL,
	room_id STRING NOT NULL,
	session_key STRING NOT NULL,
	algorithm STRING NOT NULL,
	shared_history BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (sender_key, session_id)
);

CREATE INDEX inbound_group_sessions_room ON inbound_group_sessions (room_id, shared_history);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{db: d, log: c.Logger("sessionstore")}, nil
}

func (s *Store) Close() error {
	return s.db.Shutdown()
}

// Stores a session created or received by this device. An existing session with the same
// sender key and session id is replaced.
func (s *Store) AddSession(ctx context.Context, session *keyshare.ExportedSession, sharedHistory bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Run(fmt.Sprintf("adding session %s", session.SessionID), func() error {
		if _, err := s.db.Tx.Exec(`
INSERT INTO inbound_group_sessions (sender_key, session_id, room_id, session_key, algorithm, shared_history)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (sender_key, session_id) DO UPDATE SET room_id = excluded.room_id, session_key = excluded.session_key, algorithm = excluded.algorithm, shared_history = excluded.shared_history`,
			session.SenderKey, session.SessionID, session.RoomID, session.SessionKey, session.Algorithm, sharedHistory); err != nil {
			return fmt.Errorf("sessionstore: error inserting session: %w", err)
		}
		return nil
	})
}

func (s *Store) SharedHistorySessions(ctx context.Context, roomID string) ([]keyshare.SessionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	refs := make([]keyshare.SessionRef, 0)
	if err := s.db.RunReadOnly(fmt.Sprintf("listing shared history sessions for %s", roomID), func() error {
		return s.db.Tx.Select(&refs, "SELECT sender_key, session_id FROM inbound_group_sessions WHERE room_id = $1 AND shared_history ORDER BY rowid", roomID)
	}); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) RoomSessions(ctx context.Context, roomID string) ([]keyshare.SessionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	refs := make([]keyshare.SessionRef, 0)
	if err := s.db.RunReadOnly(fmt.Sprintf("listing sessions for %s", roomID), func() error {
		return s.db.Tx.Select(&refs, "SELECT sender_key, session_id FROM inbound_group_sessions WHERE room_id = $1 ORDER BY rowid", roomID)
	}); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) ExportSession(ctx context.Context, ref keyshare.SessionRef) (*keyshare.ExportedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session *keyshare.ExportedSession
	if err := s.db.RunReadOnly(fmt.Sprintf("exporting session %s", ref.SessionID), func() error {
		var found keyshare.ExportedSession
		err := s.db.Tx.Get(&found, "SELECT sender_key, session_id, room_id, session_key, algorithm FROM inbound_group_sessions WHERE sender_key = $1 AND session_id = $2", ref.SenderKey, ref.SessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		session = &found
		return nil
	}); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) HasSession(ctx context.Context, ref keyshare.SessionRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var count int
	if err := s.db.RunReadOnly(fmt.Sprintf("checking session %s", ref.SessionID), func() error {
		return s.db.Tx.Get(&count, "SELECT count(*) FROM inbound_group_sessions WHERE sender_key = $1 AND session_id = $2", ref.SenderKey, ref.SessionID)
	}); err != nil {
		return false, err
	}
	return count != 0, nil
}

// Imports sessions received from a peer in one transaction. Sessions already held are left
// untouched. Imported sessions may be shared onwards with other entitled members.
func (s *Store) ImportRoomKeys(ctx context.Context, sessions []*keyshare.ExportedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Run(fmt.Sprintf("importing %d room keys", len(sessions)), func() error {
		imported := 0
		for _, session := range sessions {
			res, err := s.db.Tx.Exec(`
INSERT INTO inbound_group_sessions (sender_key, session_id, room_id, session_key, algorithm, shared_history)
VALUES ($1, $2, $3, $4, $5, TRUE)
ON CONFLICT (sender_key, session_id) DO NOTHING`,
				session.SenderKey, session.SessionID, session.RoomID, session.SessionKey, session.Algorithm)
			if err != nil {
				return fmt.Errorf("sessionstore: error importing session %s: %w", session.SessionID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				imported += int(n)
			}
		}
		s.log.Debugf("imported %d of %d sessions", imported, len(sessions))
		return nil
	})
}
