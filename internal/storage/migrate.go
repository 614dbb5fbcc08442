package storage

import (
	"fmt"
	"strings"

	"circles/backend/internal/models"

	"gorm.io/gorm"
)

// constraintStatements create the partial unique indexes that make seat
// assignment and turn-taking safe under concurrent requests. Both PostgreSQL
// and SQLite accept this syntax.
var constraintStatements = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_seat
		ON participants (room_id, seat_number) WHERE is_active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_session
		ON participants (room_id, session_id) WHERE is_active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_speaking_slots_open
		ON speaking_slots (room_id) WHERE ended_at IS NULL`,
}

// ChangeFeedChannel is the NOTIFY channel used by the PostgreSQL change feed.
const ChangeFeedChannel = "circles_changes"

var changeFeedStatements = []string{
	`CREATE OR REPLACE FUNCTION circles_notify_change() RETURNS trigger AS $$
	DECLARE
		rec RECORD;
	BEGIN
		IF TG_OP = 'DELETE' THEN
			rec := OLD;
		ELSE
			rec := NEW;
		END IF;
		PERFORM pg_notify('` + ChangeFeedChannel + `', json_build_object(
			'table', TG_TABLE_NAME,
			'op', lower(TG_OP),
			'room_id', rec.room_id,
			'row_id', rec.id
		)::text);
		RETURN rec;
	END;
	$$ LANGUAGE plpgsql`,
}

func triggerStatements(table string) []string {
	name := "trg_" + table + "_notify"
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, name, table),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION circles_notify_change()`, name, table),
	}
}

// Migrate creates or updates all tables and constraints.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Session{},
		&models.Room{},
		&models.Participant{},
		&models.SpeakingSlot{},
		&models.Message{},
		&models.Analysis{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return execAll(db, constraintStatements)
}

// InstallChangeFeed installs the NOTIFY triggers on the watched tables.
// PostgreSQL only.
func InstallChangeFeed(db *gorm.DB) error {
	if !IsPostgres(db) {
		return fmt.Errorf("change feed requires postgres, got %s", db.Dialector.Name())
	}
	stmts := append([]string{}, changeFeedStatements...)
	for _, table := range []string{models.TableParticipants, models.TableMessages, models.TableSpeakingSlots} {
		stmts = append(stmts, triggerStatements(table)...)
	}
	return execAll(db, stmts)
}

func execAll(db *gorm.DB, stmts []string) error {
	for _, s := range stmts {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}
