// Package storage provides persistent implementations of the stores used by
// the forward security processor.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

const schemaVersion = 1

const sessionColumns = `
	my_identity, peer_identity, session_id,
	my_ephemeral_private, my_ephemeral_public, peer_ephemeral_public,
	my_2dh_key, my_2dh_counter, my_4dh_key, my_4dh_counter,
	peer_2dh_key, peer_2dh_counter, peer_4dh_key, peer_4dh_counter,
	outgoing_applied_version, min_incoming_applied_version, created_at`

// SQLiteSessionStore is an fs.SessionStore backed by a SQLite database.
type SQLiteSessionStore struct {
	db *sql.DB
}

// OpenSQLiteSessionStore opens or creates the session database at path.
func OpenSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteSessionStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLiteSessionStore",
		"path":     path,
	}).Debug("Session database opened")
	return s, nil
}

func (s *SQLiteSessionStore) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("session database schema version %d is newer than supported %d", version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fs_sessions (
		my_identity TEXT NOT NULL,
		peer_identity TEXT NOT NULL,
		session_id BLOB NOT NULL,
		my_ephemeral_private BLOB,
		my_ephemeral_public BLOB NOT NULL,
		peer_ephemeral_public BLOB NOT NULL,
		my_2dh_key BLOB,
		my_2dh_counter INTEGER,
		my_4dh_key BLOB,
		my_4dh_counter INTEGER,
		peer_2dh_key BLOB,
		peer_2dh_counter INTEGER,
		peer_4dh_key BLOB,
		peer_4dh_counter INTEGER,
		outgoing_applied_version INTEGER NOT NULL,
		min_incoming_applied_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (my_identity, peer_identity, session_id)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

// Session implements fs.SessionStore.
func (s *SQLiteSessionStore) Session(my, peer protocol.Identity, id messages.FSSessionID) (*fs.Session, error) {
	return querySession(s.db, `SELECT `+sessionColumns+` FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ? AND session_id = ?`,
		string(my), string(peer), id[:])
}

// BestSession implements fs.SessionStore. Blobs compare bytewise, so the
// ordering matches fs.SortSessions.
func (s *SQLiteSessionStore) BestSession(my, peer protocol.Identity) (*fs.Session, error) {
	return querySession(s.db, `SELECT `+sessionColumns+` FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ?
		ORDER BY session_id ASC LIMIT 1`,
		string(my), string(peer))
}

// AllSessions implements fs.SessionStore.
func (s *SQLiteSessionStore) AllSessions(my, peer protocol.Identity) ([]*fs.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ?
		ORDER BY session_id ASC`,
		string(my), string(peer))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*fs.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// Store implements fs.SessionStore. The regression check and the write
// happen in one transaction.
func (s *SQLiteSessionStore) Store(session *fs.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := querySession(tx, `SELECT `+sessionColumns+` FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ? AND session_id = ?`,
		string(session.MyIdentity), string(session.PeerIdentity), session.ID[:])
	if err != nil {
		return err
	}
	if old != nil {
		err := fs.ValidateUpdate(old, session)
		old.Wipe()
		if err != nil {
			return err
		}
	}

	var ephPrivate []byte
	if session.MyEphemeralPrivateKey != nil {
		ephPrivate = session.MyEphemeralPrivateKey[:]
	}
	my2DHKey, my2DHCounter := ratchetColumns(session.MyRatchet2DH)
	my4DHKey, my4DHCounter := ratchetColumns(session.MyRatchet4DH)
	peer2DHKey, peer2DHCounter := ratchetColumns(session.PeerRatchet2DH)
	peer4DHKey, peer4DHCounter := ratchetColumns(session.PeerRatchet4DH)

	_, err = tx.Exec(`INSERT OR REPLACE INTO fs_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(session.MyIdentity),
		string(session.PeerIdentity),
		session.ID[:],
		ephPrivate,
		session.MyEphemeralPublicKey[:],
		session.PeerEphemeralPublicKey[:],
		my2DHKey, my2DHCounter,
		my4DHKey, my4DHCounter,
		peer2DHKey, peer2DHCounter,
		peer4DHKey, peer4DHCounter,
		int64(session.OutgoingAppliedVersion),
		int64(session.MinIncomingAppliedVersion),
		session.Created.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.ID, err)
	}
	return tx.Commit()
}

// Delete implements fs.SessionStore.
func (s *SQLiteSessionStore) Delete(my, peer protocol.Identity, id messages.FSSessionID) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ? AND session_id = ?`,
		string(my), string(peer), id[:])
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAllExcept implements fs.SessionStore.
func (s *SQLiteSessionStore) DeleteAllExcept(my, peer protocol.Identity, except messages.FSSessionID, fourDHOnly bool) (int, error) {
	query := `DELETE FROM fs_sessions
		WHERE my_identity = ? AND peer_identity = ? AND session_id != ?`
	if fourDHOnly {
		query += ` AND my_4dh_key IS NOT NULL`
	}
	res, err := s.db.Exec(query, string(my), string(peer), except[:])
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func querySession(q queryer, query string, args ...interface{}) (*fs.Session, error) {
	session, err := scanSession(q.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

func scanSession(row scanner) (*fs.Session, error) {
	var (
		my, peer                       string
		id, ephPrivate                 []byte
		ephPublic, peerEphPublic       []byte
		my2DHKey, my4DHKey             []byte
		peer2DHKey, peer4DHKey         []byte
		my2DHCounter, my4DHCounter     sql.NullInt64
		peer2DHCounter, peer4DHCounter sql.NullInt64
		outgoing, minIncoming          int64
		created                        int64
	)
	err := row.Scan(
		&my, &peer, &id,
		&ephPrivate, &ephPublic, &peerEphPublic,
		&my2DHKey, &my2DHCounter, &my4DHKey, &my4DHCounter,
		&peer2DHKey, &peer2DHCounter, &peer4DHKey, &peer4DHCounter,
		&outgoing, &minIncoming, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	session := &fs.Session{
		MyIdentity:                protocol.Identity(my),
		PeerIdentity:              protocol.Identity(peer),
		OutgoingAppliedVersion:    protocol.FSVersion(outgoing),
		MinIncomingAppliedVersion: protocol.FSVersion(minIncoming),
		Created:                   time.Unix(created, 0),
	}
	if len(id) != len(session.ID) {
		return nil, fmt.Errorf("corrupt session id of length %d", len(id))
	}
	copy(session.ID[:], id)
	copy(session.MyEphemeralPublicKey[:], ephPublic)
	copy(session.PeerEphemeralPublicKey[:], peerEphPublic)
	if len(ephPrivate) == 32 {
		var k [32]byte
		copy(k[:], ephPrivate)
		session.MyEphemeralPrivateKey = &k
	}
	session.MyRatchet2DH = ratchetFromColumns(my2DHKey, my2DHCounter)
	session.MyRatchet4DH = ratchetFromColumns(my4DHKey, my4DHCounter)
	session.PeerRatchet2DH = ratchetFromColumns(peer2DHKey, peer2DHCounter)
	session.PeerRatchet4DH = ratchetFromColumns(peer4DHKey, peer4DHCounter)
	return session, nil
}

func ratchetColumns(r *fs.KDFRatchet) ([]byte, sql.NullInt64) {
	if r == nil {
		return nil, sql.NullInt64{}
	}
	key := r.ChainKey()
	return key[:], sql.NullInt64{Int64: int64(r.Counter()), Valid: true}
}

func ratchetFromColumns(key []byte, counter sql.NullInt64) *fs.KDFRatchet {
	if len(key) != 32 || !counter.Valid {
		return nil
	}
	var k [32]byte
	copy(k[:], key)
	return fs.NewKDFRatchet(uint64(counter.Int64), k)
}
