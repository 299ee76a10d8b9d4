package decisionstream

import (
	"encoding/json"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func encodePayload(payload map[string]string) string {
	if len(payload) == 0 {
		return ""
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}

// decisionRow and highlightRow are the GORM-mapped mirror tables. The JSONL
// files remain the source of truth; these exist only so an operator can run
// SQL queries against recent history instead of scanning JSONL files.
type decisionRow struct {
	ID        string `gorm:"primaryKey"`
	Timestamp time.Time
	Kind      string
	Reasoning string
	PayloadJSON string
}

func (decisionRow) TableName() string { return "decision_entries" }

type highlightRow struct {
	ID        string `gorm:"primaryKey"`
	Timestamp time.Time
	Kind      string
	Summary   string
	PayloadJSON string
}

func (highlightRow) TableName() string { return "highlight_entries" }

// SQLMirror is a Mirror backed by a GORM connection, default
// github.com/glebarez/sqlite (pure-Go, no cgo) for the local single-file
// case; any gorm.Dialector works, including gorm.io/driver/postgres for
// operators who point the mirror at a shared database.
type SQLMirror struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a local sqlite mirror file.
func OpenSQLite(path string) (*SQLMirror, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&decisionRow{}, &highlightRow{}); err != nil {
		return nil, err
	}
	return &SQLMirror{db: db}, nil
}

// NewSQLMirror wraps an already-open, already-migrated GORM connection
// (e.g. gorm.io/driver/postgres for a shared deployment).
func NewSQLMirror(db *gorm.DB) (*SQLMirror, error) {
	if err := db.AutoMigrate(&decisionRow{}, &highlightRow{}); err != nil {
		return nil, err
	}
	return &SQLMirror{db: db}, nil
}

func (m *SQLMirror) InsertDecision(e DecisionEntry) error {
	row := decisionRow{ID: e.ID, Timestamp: e.Timestamp, Kind: e.Kind, Reasoning: e.Reasoning, PayloadJSON: encodePayload(e.Payload)}
	return m.db.Create(&row).Error
}

func (m *SQLMirror) InsertHighlight(e HighlightEntry) error {
	row := highlightRow{ID: e.ID, Timestamp: e.Timestamp, Kind: e.Kind, Summary: e.Summary, PayloadJSON: encodePayload(e.Payload)}
	return m.db.Create(&row).Error
}
