package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(s.rebind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(messageID, phone string) (bool, error) {
	result, err := s.db.Exec(s.rebind(
		`INSERT INTO inbound_dedup (message_id, phone_number, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, phone, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) PurgeDedupBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(s.rebind(`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dedup records failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".PurgeDedupBefore", "purged", n)
	}
	return int(n), nil
}
