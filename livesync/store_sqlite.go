package livesync

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const queueStoreKey = "offline_action_queue"

// SqliteQueueStore persists the action queue in a single-file sqlite
// database so that queued actions survive a full process restart.
type SqliteQueueStore struct {
	conn *sql.DB
}

func NewSqliteQueueStore(path string) (*SqliteQueueStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create queue store schema: %w", err)
	}

	return &SqliteQueueStore{conn: conn}, nil
}

func (self *SqliteQueueStore) Load() ([]*QueuedAction, error) {
	var value []byte
	err := self.conn.QueryRow("SELECT v FROM kv WHERE k = ?", queueStoreKey).Scan(&value)
	if err == sql.ErrNoRows {
		return []*QueuedAction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue store: %w", err)
	}

	actions := []*QueuedAction{}
	if err := json.Unmarshal(value, &actions); err != nil {
		return nil, fmt.Errorf("decode queue store: %w", err)
	}
	return actions, nil
}

func (self *SqliteQueueStore) Save(actions []*QueuedAction) error {
	value, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode queue store: %w", err)
	}

	// single upsert, atomic under sqlite
	if _, err := self.conn.Exec(
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		queueStoreKey,
		value,
	); err != nil {
		return fmt.Errorf("write queue store: %w", err)
	}
	return nil
}

func (self *SqliteQueueStore) Close() error {
	return self.conn.Close()
}
