package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/future-self/internal/core"
)

const messageCols = `id, owner_id, content, timing_strategy, milestone_key, scheduled_for, status,
	delivered_at, read_at, delivery_attempts, next_attempt_at, last_error, category, tags,
	created_at, updated_at`

// Store is the Postgres-backed core.Store. Status transitions are single
// conditional UPDATE statements, so the row lock taken by the update is the
// only synchronization between concurrent sweeps.
type Store struct {
	db *DB
}

var _ core.Store = (*Store)(nil)

func NewStore(db *DB) *Store { return &Store{db: db} }

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO users (id, email, name, tier, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Name, string(u.Tier), u.CreatedAt)
	if isUniqueViolation(err) {
		return core.User{}, fmt.Errorf("%w: user %s already exists", core.ErrConflict, u.ID)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (core.User, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT id, email, name, tier, created_at FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT id, email, name, tier, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m core.Message) (core.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	row := s.db.Pool.QueryRow(ctx, `
		INSERT INTO messages (id, owner_id, content, timing_strategy, milestone_key, scheduled_for, status,
			delivered_at, read_at, delivery_attempts, next_attempt_at, last_error, category, tags,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+messageCols,
		m.ID, m.OwnerID, m.Content, string(m.Strategy), m.MilestoneKey, m.ScheduledFor, string(m.Status),
		m.DeliveredAt, m.ReadAt, m.Attempts, m.NextAttemptAt, m.LastError, m.Category, m.Tags,
		m.CreatedAt, m.UpdatedAt)
	out, err := scanMessage(row)
	if isUniqueViolation(err) {
		return core.Message{}, fmt.Errorf("%w: message %s already exists", core.ErrConflict, m.ID)
	}
	return out, err
}

func (s *Store) GetMessage(ctx context.Context, id string) (core.Message, error) {
	m, err := scanMessage(s.db.Pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Message{}, core.ErrNotFound
	}
	return m, err
}

func (s *Store) QueryMessages(ctx context.Context, q core.MessageQuery) ([]core.Message, error) {
	sql, args := buildQuery(q)
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []core.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func buildQuery(q core.MessageQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.OwnerID != "" {
		where = append(where, "owner_id = "+arg(q.OwnerID))
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(core.StatusStrings(q.Statuses))+")")
	}
	if q.Strategy != "" {
		where = append(where, "timing_strategy = "+arg(string(q.Strategy)))
	}
	if q.MilestoneKey != "" {
		where = append(where, "milestone_key = "+arg(q.MilestoneKey))
	}
	if q.ScheduledBefore != nil {
		where = append(where, "scheduled_for <= "+arg(*q.ScheduledBefore))
	}
	if q.ScheduledAfter != nil {
		where = append(where, "scheduled_for > "+arg(*q.ScheduledAfter))
	}
	if q.CreatedBefore != nil {
		where = append(where, "created_at <= "+arg(*q.CreatedBefore))
	}
	if q.ReadyBy != nil {
		where = append(where, "(next_attempt_at IS NULL OR next_attempt_at <= "+arg(*q.ReadyBy)+")")
	}
	if q.Search != "" {
		p := arg(strings.ToLower(q.Search))
		where = append(where, fmt.Sprintf(
			"(strpos(lower(content), %[1]s) > 0 OR strpos(lower(category), %[1]s) > 0 OR "+
				"EXISTS (SELECT 1 FROM unnest(tags) t WHERE strpos(lower(t), %[1]s) > 0))", p))
	}

	var b strings.Builder
	b.WriteString("SELECT " + messageCols + " FROM messages")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	switch q.Order {
	case core.OrderScheduledAsc:
		b.WriteString(" ORDER BY scheduled_for ASC NULLS LAST, id")
	default:
		b.WriteString(" ORDER BY created_at DESC, id")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + arg(q.Offset))
	}
	return b.String(), args
}

func (s *Store) DeleteMessage(ctx context.Context, ownerID, id string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND owner_id = $2 AND status <> 'delivering'`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = s.db.Pool.QueryRow(ctx,
		`SELECT status FROM messages WHERE id = $1 AND owner_id = $2`, id, ownerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: message is %s", core.ErrConflict, status)
}

func (s *Store) Transition(ctx context.Context, id string, t core.Transition) (core.Message, bool, error) {
	if err := t.Validate(); err != nil {
		return core.Message{}, false, err
	}
	inc := 0
	if t.IncAttempts {
		inc = 1
	}
	row := s.db.Pool.QueryRow(ctx, `
		UPDATE messages SET
			status            = $3::text,
			updated_at        = $4,
			scheduled_for     = COALESCE($5, scheduled_for),
			next_attempt_at   = COALESCE($6, next_attempt_at),
			delivery_attempts = delivery_attempts + $7,
			last_error        = COALESCE($8, last_error),
			delivered_at      = CASE WHEN $3::text = 'delivered' THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
			read_at           = CASE WHEN $3::text = 'read' THEN COALESCE(read_at, $4) ELSE read_at END
		WHERE id = $1
		  AND status = ANY($2)
		  AND (NOT $9::boolean OR next_attempt_at IS NULL OR next_attempt_at <= $4)
		RETURNING `+messageCols,
		id, core.StatusStrings(t.From), string(t.To), t.At,
		t.ScheduledFor, t.NextAttemptAt, inc, t.LastError, t.RequireReady)
	m, err := scanMessage(row)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return core.Message{}, false, fmt.Errorf("transition %s -> %s: %w", id, t.To, err)
	}
	// Lost the race or the precondition never held; report the current record.
	cur, err := s.GetMessage(ctx, id)
	if err != nil {
		return core.Message{}, false, err
	}
	return cur, false, nil
}

// ClaimReminder upserts the owner's reminder day. The conflict branch only
// updates to a later day, so a second claim for the same day returns no row.
func (s *Store) ClaimReminder(ctx context.Context, ownerID string, day time.Time) (bool, error) {
	var id string
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO reminders (owner_id, reminded_on, updated_at) VALUES ($1, $2::date, now())
		ON CONFLICT (owner_id) DO UPDATE
			SET reminded_on = EXCLUDED.reminded_on, updated_at = now()
			WHERE reminders.reminded_on < EXCLUDED.reminded_on
		RETURNING owner_id`, ownerID, core.ReminderDay(day)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return true, nil
}

func scanUser(row pgx.Row) (core.User, error) {
	var (
		u    core.User
		tier string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &tier, &u.CreatedAt); err != nil {
		return core.User{}, err
	}
	u.Tier = core.Tier(tier)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func scanMessage(row pgx.Row) (core.Message, error) {
	var (
		m                core.Message
		strategy, status string
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.Content, &strategy, &m.MilestoneKey, &m.ScheduledFor, &status,
		&m.DeliveredAt, &m.ReadAt, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.Category, &m.Tags,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return core.Message{}, err
	}
	m.Strategy = core.Strategy(strategy)
	m.Status = core.Status(status)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	m.ScheduledFor = utc(m.ScheduledFor)
	m.DeliveredAt = utc(m.DeliveredAt)
	m.ReadAt = utc(m.ReadAt)
	m.NextAttemptAt = utc(m.NextAttemptAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
