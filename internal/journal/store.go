// Package journal persists outbound events to PostgreSQL for audit and
// post-trade analysis. Persistence is best-effort: a journal failure never
// interrupts trading.
package journal

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/schema"
)

const (
	defaultListLimit = 128
	maxListLimit     = 1024
)

const (
	insertEventSQL = `
INSERT INTO journal_events (
    version,
    event_type,
    symbol,
    payload,
    event_time
)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), $5)
RETURNING id;
`

	listRecentSQL = `
SELECT
    id,
    version,
    event_type,
    symbol,
    payload,
    event_time,
    created_at
FROM journal_events
WHERE event_type = $1
ORDER BY event_time DESC
LIMIT $2;
`

	listBySymbolSQL = `
SELECT
    id,
    version,
    event_type,
    symbol,
    payload,
    event_time,
    created_at
FROM journal_events
WHERE symbol = $1
ORDER BY event_time DESC
LIMIT $2;
`
)

// Record is one persisted outbound event.
type Record struct {
	ID        int64
	Version   int
	Type      schema.EventType
	Symbol    string
	Payload   json.RawMessage
	EventTime time.Time
	CreatedAt time.Time
}

// Store persists outbound events into the journal_events table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert journals one event and returns the assigned row id.
func (s *Store) Insert(ctx context.Context, evt *schema.Event) (int64, error) {
	if s.pool == nil {
		return 0, errs.New("journal/insert", errs.CodeStorage, errs.WithMessage("nil pool"))
	}
	if evt == nil || evt.Type == "" {
		return 0, errs.New("journal/insert", errs.CodeInvalid, errs.WithMessage("event missing type"))
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return 0, errs.New("journal/insert", errs.CodeInvalid,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	eventTime := evt.Time
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	var id int64
	row := s.pool.QueryRow(ctx, insertEventSQL, evt.Version, string(evt.Type), evt.Symbol, payload, eventTime)
	if err := row.Scan(&id); err != nil {
		return 0, errs.New("journal/insert", errs.CodeStorage,
			errs.WithMessage("insert event"), errs.WithCause(err))
	}
	return id, nil
}

// Recent returns the newest journaled events of one type.
func (s *Store) Recent(ctx context.Context, typ schema.EventType, limit int) ([]Record, error) {
	return s.list(ctx, listRecentSQL, string(typ), limit)
}

// BySymbol returns the newest journaled events for one symbol across types.
func (s *Store) BySymbol(ctx context.Context, symbol string, limit int) ([]Record, error) {
	return s.list(ctx, listBySymbolSQL, symbol, limit)
}

func (s *Store) list(ctx context.Context, query, key string, limit int) ([]Record, error) {
	if s.pool == nil {
		return nil, errs.New("journal/list", errs.CodeStorage, errs.WithMessage("nil pool"))
	}
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, errs.New("journal/list", errs.CodeStorage,
			errs.WithMessage("query events"), errs.WithCause(err))
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			typ     string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Version, &typ, &rec.Symbol, &payload, &rec.EventTime, &rec.CreatedAt); err != nil {
			return nil, errs.New("journal/list", errs.CodeStorage,
				errs.WithMessage("scan event"), errs.WithCause(err))
		}
		rec.Type = schema.EventType(typ)
		rec.Payload = payload
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("journal/list", errs.CodeStorage,
			errs.WithMessage("iterate events"), errs.WithCause(err))
	}
	return records, nil
}
