package db

import (
	"path/filepath"
	"testing"
)

func TestPragmas(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	// In-memory databases don't support WAL, so "memory" is expected here.
	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "memory" && journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'memory' or 'wal', got: %s", journalMode)
	}

	var busyTimeout int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys to be on, got: %d", foreignKeys)
	}

	var cacheSize int
	if err := db.conn.QueryRow("PRAGMA cache_size").Scan(&cacheSize); err != nil {
		t.Fatalf("Failed to query cache_size: %v", err)
	}
	if cacheSize != -64000 {
		t.Errorf("Expected cache_size to be -64000, got: %d", cacheSize)
	}
}

func TestWALModeWithFile(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}
}

func TestSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	for _, table := range []string{"users", "friendships", "messages", "push_subscriptions"} {
		var count int
		err := db.conn.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type = 'table' AND name = ?
		`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to inspect schema: %v", err)
		}
		if count != 1 {
			t.Fatalf("Expected %s table to exist", table)
		}
	}

	var idx int
	err = db.conn.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'index' AND name = 'idx_messages_room_created'
	`).Scan(&idx)
	if err != nil {
		t.Fatalf("Failed to inspect index: %v", err)
	}
	if idx != 1 {
		t.Fatalf("Expected idx_messages_room_created index to exist")
	}
	db.Close()

	// migrations are idempotent on an existing file
	db, err = New(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	db.Close()
}

func TestFriendshipPrimaryKeyRejectsDuplicateEdge(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	conn := db.GetConn()
	if _, err := conn.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (1, 'a', 'x', CURRENT_TIMESTAMP), (2, 'b', 'x', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert users: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO friendships (owner_id, friend_id, created_at) VALUES (1, 2, CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO friendships (owner_id, friend_id, created_at) VALUES (1, 2, CURRENT_TIMESTAMP)`); err == nil {
		t.Fatalf("expected duplicate edge to be rejected")
	}
}
