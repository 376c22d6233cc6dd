package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/migration"
)

// SQLStore is a KeyStore over the encrypted database. Every unit of work holds the database
// lock, which serializes read-modify-write sequences across all keys.
type SQLStore struct {
	db *db.Database
}

func NewSQLStore(d *db.Database) (*SQLStore, error) {
	if err := d.Migrate("_e2ee", migrations); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}
	return &SQLStore{db: d}, nil
}

func (s *SQLStore) Run(label string, fn func(Txn) error) error {
	return s.db.Run(label, func() error {
		return fn(&sqlTxn{s.db.Tx})
	})
}

func (s *SQLStore) RunReadOnly(label string, fn func(Txn) error) error {
	return s.db.RunReadOnly(label, func() error {
		return fn(&sqlTxn{s.db.Tx})
	})
}

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _account (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					pickle TEXT NOT NULL
				);

				CREATE TABLE _sessions (
					device_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					pickle TEXT NOT NULL,
					last_received_message_ts INTEGER NOT NULL,
					PRIMARY KEY (device_key, session_id)
				);

				CREATE TABLE _session_problems (
					device_key TEXT NOT NULL,
					type TEXT NOT NULL,
					fixed NUMBER NOT NULL,
					time INTEGER NOT NULL
				);
				CREATE INDEX session_problems_device_key on _session_problems (device_key, time);

				CREATE TABLE _notified_error_devices (
					user_id TEXT NOT NULL,
					device_key TEXT NOT NULL,
					PRIMARY KEY (user_id, device_key)
				);

				CREATE TABLE _inbound_group_sessions (
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					conversation_id TEXT NOT NULL,
					pickle TEXT NOT NULL,
					keys_claimed BLOB NOT NULL,
					untrusted NUMBER NOT NULL,
					PRIMARY KEY (sender_key, session_id)
				);
				CREATE INDEX inbound_group_sessions_conversation_id on _inbound_group_sessions (conversation_id);

				CREATE TABLE _inbound_group_sessions_withheld (
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					conversation_id TEXT NOT NULL,
					code TEXT NOT NULL,
					reason TEXT NOT NULL,
					PRIMARY KEY (sender_key, session_id)
				);

				CREATE TABLE _shared_history_inbound_group_sessions (
					conversation_id TEXT NOT NULL,
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					PRIMARY KEY (conversation_id, sender_key, session_id)
				);

				CREATE TABLE _outbound_group_sessions (
					session_id TEXT PRIMARY KEY,
					conversation_id TEXT NOT NULL,
					pickle TEXT NOT NULL,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX outbound_group_sessions_conversation_id on _outbound_group_sessions (conversation_id, created_at);

				CREATE TABLE _replay_entries (
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					message_index INTEGER NOT NULL,
					event_id TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					PRIMARY KEY (sender_key, session_id, message_index)
				);

				CREATE TABLE _device_data (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					data BLOB NOT NULL
				);
			`)
			return err
		},
	},
}

type sqlTxn struct {
	tx *sqlx.Tx
}

func (t *sqlTxn) Account() (string, error) {
	var pickled string
	if err := t.tx.Get(&pickled, "SELECT pickle FROM _account WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("store: error getting account: %w", err)
	}
	return pickled, nil
}

func (t *sqlTxn) StoreAccount(pickled string) error {
	if _, err := t.tx.Exec("INSERT INTO _account (id, pickle) VALUES (1, $1) ON CONFLICT(id) DO UPDATE SET pickle = $1", pickled); err != nil {
		return fmt.Errorf("store: error storing account: %w", err)
	}
	return nil
}

func (t *sqlTxn) Session(deviceKey, sessionID string) (*Session, error) {
	s := &Session{}
	if err := t.tx.Get(s, "SELECT * FROM _sessions WHERE device_key = $1 AND session_id = $2", deviceKey, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting session: %w", err)
	}
	return s, nil
}

func (t *sqlTxn) Sessions(deviceKey string) ([]*Session, error) {
	var sessions []*Session
	if err := t.tx.Select(&sessions, "SELECT * FROM _sessions WHERE device_key = $1 ORDER BY session_id", deviceKey); err != nil {
		return nil, fmt.Errorf("store: error getting sessions: %w", err)
	}
	return sessions, nil
}

func (t *sqlTxn) AllSessions() ([]*Session, error) {
	var sessions []*Session
	if err := t.tx.Select(&sessions, "SELECT * FROM _sessions ORDER BY device_key, session_id"); err != nil {
		return nil, fmt.Errorf("store: error getting all sessions: %w", err)
	}
	return sessions, nil
}

func (t *sqlTxn) StoreSession(s *Session) error {
	if _, err := t.tx.NamedExec("INSERT INTO _sessions (device_key, session_id, pickle, last_received_message_ts) VALUES (:device_key, :session_id, :pickle, :last_received_message_ts) ON CONFLICT(device_key, session_id) DO UPDATE SET pickle = :pickle, last_received_message_ts = :last_received_message_ts", s); err != nil {
		return fmt.Errorf("store: error storing session: %w", err)
	}
	return nil
}

func (t *sqlTxn) StoreSessionProblem(deviceKey string, p *SessionProblem) error {
	if _, err := t.tx.Exec("INSERT INTO _session_problems (device_key, type, fixed, time) VALUES ($1, $2, $3, $4)", deviceKey, p.Type, p.Fixed, p.Time); err != nil {
		return fmt.Errorf("store: error storing session problem: %w", err)
	}
	return nil
}

func (t *sqlTxn) SessionProblems(deviceKey string) ([]*SessionProblem, error) {
	var problems []*SessionProblem
	if err := t.tx.Select(&problems, "SELECT type, fixed, time FROM _session_problems WHERE device_key = $1 ORDER BY time", deviceKey); err != nil {
		return nil, fmt.Errorf("store: error getting session problems: %w", err)
	}
	return problems, nil
}

// FilterOutNotifiedErrorDevices returns the devices not yet told about a session error and
// marks them as notified.
func (t *sqlTxn) FilterOutNotifiedErrorDevices(devices []*DeviceRef) ([]*DeviceRef, error) {
	var out []*DeviceRef
	for _, d := range devices {
		res, err := t.tx.Exec("INSERT INTO _notified_error_devices (user_id, device_key) VALUES ($1, $2) ON CONFLICT DO NOTHING", d.UserID, d.DeviceKey)
		if err != nil {
			return nil, fmt.Errorf("store: error marking notified device: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

type inboundGroupSessionRow struct {
	SenderKey      string `db:"sender_key"`
	SessionID      string `db:"session_id"`
	ConversationID string `db:"conversation_id"`
	Pickle         string `db:"pickle"`
	KeysClaimed    []byte `db:"keys_claimed"`
	Untrusted      bool   `db:"untrusted"`
}

func (r *inboundGroupSessionRow) record() (*InboundGroupSession, error) {
	s := &InboundGroupSession{
		SenderKey:      r.SenderKey,
		SessionID:      r.SessionID,
		ConversationID: r.ConversationID,
		Pickle:         r.Pickle,
		Untrusted:      r.Untrusted,
	}
	if err := cbor.Unmarshal(r.KeysClaimed, &s.KeysClaimed); err != nil {
		return nil, fmt.Errorf("store: error decoding claimed keys: %w", err)
	}
	return s, nil
}

func (t *sqlTxn) InboundGroupSession(senderKey, sessionID string) (*InboundGroupSession, *Withheld, error) {
	var session *InboundGroupSession
	row := &inboundGroupSessionRow{}
	if err := t.tx.Get(row, "SELECT * FROM _inbound_group_sessions WHERE sender_key = $1 AND session_id = $2", senderKey, sessionID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("store: error getting inbound group session: %w", err)
		}
	} else {
		s, err := row.record()
		if err != nil {
			return nil, nil, err
		}
		session = s
	}

	var withheld *Withheld
	w := &Withheld{}
	if err := t.tx.Get(w, "SELECT * FROM _inbound_group_sessions_withheld WHERE sender_key = $1 AND session_id = $2", senderKey, sessionID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("store: error getting withheld record: %w", err)
		}
	} else {
		withheld = w
	}
	return session, withheld, nil
}

func (t *sqlTxn) InboundGroupSessions(conversationID string) ([]*InboundGroupSession, error) {
	var rows []*inboundGroupSessionRow
	if err := t.tx.Select(&rows, "SELECT * FROM _inbound_group_sessions WHERE conversation_id = $1 ORDER BY sender_key, session_id", conversationID); err != nil {
		return nil, fmt.Errorf("store: error getting inbound group sessions: %w", err)
	}
	out := make([]*InboundGroupSession, 0, len(rows))
	for _, r := range rows {
		s, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (t *sqlTxn) StoreInboundGroupSession(s *InboundGroupSession) error {
	claimed := s.KeysClaimed
	if claimed == nil {
		claimed = map[string]string{}
	}
	keys, err := cbor.Marshal(claimed)
	if err != nil {
		return fmt.Errorf("store: error encoding claimed keys: %w", err)
	}
	row := &inboundGroupSessionRow{
		SenderKey:      s.SenderKey,
		SessionID:      s.SessionID,
		ConversationID: s.ConversationID,
		Pickle:         s.Pickle,
		KeysClaimed:    keys,
		Untrusted:      s.Untrusted,
	}
	if _, err := t.tx.NamedExec("INSERT INTO _inbound_group_sessions (sender_key, session_id, conversation_id, pickle, keys_claimed, untrusted) VALUES (:sender_key, :session_id, :conversation_id, :pickle, :keys_claimed, :untrusted) ON CONFLICT(sender_key, session_id) DO UPDATE SET conversation_id = :conversation_id, pickle = :pickle, keys_claimed = :keys_claimed, untrusted = :untrusted", row); err != nil {
		return fmt.Errorf("store: error storing inbound group session: %w", err)
	}
	return nil
}

func (t *sqlTxn) StoreInboundGroupSessionWithheld(w *Withheld) error {
	if _, err := t.tx.NamedExec("INSERT INTO _inbound_group_sessions_withheld (sender_key, session_id, conversation_id, code, reason) VALUES (:sender_key, :session_id, :conversation_id, :code, :reason) ON CONFLICT(sender_key, session_id) DO UPDATE SET conversation_id = :conversation_id, code = :code, reason = :reason", w); err != nil {
		return fmt.Errorf("store: error storing withheld record: %w", err)
	}
	return nil
}

func (t *sqlTxn) AddSharedHistoryInboundGroupSession(conversationID, senderKey, sessionID string) error {
	if _, err := t.tx.Exec("INSERT INTO _shared_history_inbound_group_sessions (conversation_id, sender_key, session_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", conversationID, senderKey, sessionID); err != nil {
		return fmt.Errorf("store: error adding shared history session: %w", err)
	}
	return nil
}

func (t *sqlTxn) SharedHistoryInboundGroupSessions(conversationID string) ([]*SessionRef, error) {
	var refs []*SessionRef
	if err := t.tx.Select(&refs, "SELECT sender_key, session_id FROM _shared_history_inbound_group_sessions WHERE conversation_id = $1 ORDER BY sender_key, session_id", conversationID); err != nil {
		return nil, fmt.Errorf("store: error getting shared history sessions: %w", err)
	}
	return refs, nil
}

func (t *sqlTxn) OutboundGroupSession(sessionID string) (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{}
	if err := t.tx.Get(s, "SELECT * FROM _outbound_group_sessions WHERE session_id = $1", sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting outbound group session: %w", err)
	}
	return s, nil
}

func (t *sqlTxn) OutboundGroupSessionForConversation(conversationID string) (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{}
	if err := t.tx.Get(s, "SELECT * FROM _outbound_group_sessions WHERE conversation_id = $1 ORDER BY created_at DESC, rowid DESC LIMIT 1", conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting outbound group session: %w", err)
	}
	return s, nil
}

func (t *sqlTxn) StoreOutboundGroupSession(s *OutboundGroupSession) error {
	if _, err := t.tx.NamedExec("INSERT INTO _outbound_group_sessions (session_id, conversation_id, pickle, created_at) VALUES (:session_id, :conversation_id, :pickle, :created_at) ON CONFLICT(session_id) DO UPDATE SET pickle = :pickle", s); err != nil {
		return fmt.Errorf("store: error storing outbound group session: %w", err)
	}
	return nil
}

func (t *sqlTxn) ReplayEntry(senderKey, sessionID string, index uint32) (*ReplayEntry, error) {
	e := &ReplayEntry{}
	if err := t.tx.Get(e, "SELECT event_id, timestamp FROM _replay_entries WHERE sender_key = $1 AND session_id = $2 AND message_index = $3", senderKey, sessionID, index); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting replay entry: %w", err)
	}
	return e, nil
}

func (t *sqlTxn) StoreReplayEntry(senderKey, sessionID string, index uint32, e *ReplayEntry) error {
	if _, err := t.tx.Exec("INSERT INTO _replay_entries (sender_key, session_id, message_index, event_id, timestamp) VALUES ($1, $2, $3, $4, $5)", senderKey, sessionID, index, e.EventID, e.Timestamp); err != nil {
		return fmt.Errorf("store: error storing replay entry: %w", err)
	}
	return nil
}

func (t *sqlTxn) DeviceData() ([]byte, error) {
	var data []byte
	if err := t.tx.Get(&data, "SELECT data FROM _device_data WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting device data: %w", err)
	}
	return data, nil
}

func (t *sqlTxn) StoreDeviceData(data []byte) error {
	if _, err := t.tx.Exec("INSERT INTO _device_data (id, data) VALUES (1, $1) ON CONFLICT(id) DO UPDATE SET data = $1", data); err != nil {
		return fmt.Errorf("store: error storing device data: %w", err)
	}
	return nil
}
