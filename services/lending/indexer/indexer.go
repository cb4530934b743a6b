package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendpool/native/lending"
	"lendpool/observability"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// EventRecord is one committed lending event. Account holds the user or
// borrower and Asset the asset or debt asset so both can be filtered on.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:42;index"`
	Asset      string    `gorm:"size:42;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// BeforeCreate assigns a random identifier when unset.
func (r *EventRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Entry is the query form of an indexed event.
type Entry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Filter narrows a Query. Empty fields match everything.
type Filter struct {
	Account  string
	Asset    string
	Type     string
	AfterSeq uint64
	Limit    int
}

// Indexer persists emitted events and serves them back in commit order.
type Indexer struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu  sync.Mutex
	seq uint64
}

var _ lending.Emitter = (*Indexer)(nil)

// New migrates the schema and resumes the sequence from the stored events.
func New(db *gorm.DB, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	var last uint64
	if err := db.Model(&EventRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("indexer: resume sequence: %w", err)
	}
	return &Indexer{db: db, logger: logger, timeout: 5 * time.Second, now: time.Now, seq: last}, nil
}

// Emit implements lending.Emitter. Failures are logged and counted; the
// engine has already committed the operation.
func (ix *Indexer) Emit(ev lending.Event) {
	if _, err := ix.Record(context.Background(), ev.Record()); err != nil {
		ix.logger.Error("index lending event", "type", ev.EventType(), "error", err)
		observability.Events().RecordDrop("indexer")
	}
}

// Record stores rec with the next sequence number.
func (ix *Indexer) Record(ctx context.Context, rec *lending.Record) (*Entry, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	row := EventRecord{
		Seq:        ix.seq + 1,
		Type:       rec.Type,
		Account:    firstOf(rec.Attributes, "user", "borrower"),
		Asset:      firstOf(rec.Attributes, "asset", "debtAsset"),
		Attributes: string(attrs),
		CreatedAt:  ix.now().UTC(),
	}
	if err := ix.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	ix.seq = row.Seq
	return toEntry(row)
}

// Query returns events matching f ordered by sequence.
func (ix *Indexer) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	q := ix.db.WithContext(ctx).Model(&EventRecord{}).Where("seq > ?", f.AfterSeq)
	if v := strings.TrimSpace(f.Account); v != "" {
		q = q.Where("account = ?", normalizeAddress(v))
	}
	if v := strings.TrimSpace(f.Asset); v != "" {
		q = q.Where("asset = ?", normalizeAddress(v))
	}
	if v := strings.TrimSpace(f.Type); v != "" {
		q = q.Where("type = ?", v)
	}
	var rows []EventRecord
	if err := q.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := toEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

func toEntry(row EventRecord) (*Entry, error) {
	attrs := map[string]string{}
	if row.Attributes != "" {
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", row.Seq, err)
		}
	}
	return &Entry{
		ID:         row.ID.String(),
		Seq:        row.Seq,
		Type:       row.Type,
		Attributes: attrs,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func firstOf(attrs map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := attrs[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// normalizeAddress renders hex addresses in the checksummed form events use.
func normalizeAddress(v string) string {
	if common.IsHexAddress(v) {
		return common.HexToAddress(v).Hex()
	}
	return v
}
