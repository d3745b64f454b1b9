package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/reliability"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	maxUpdateAttempts = 5
	updateBackoffBase = 10 * time.Millisecond
	updateBackoffCap  = 200 * time.Millisecond
)

// PostgresStore persists interviews in PostgreSQL. Interview updates use an
// optimistic version check instead of row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const interviewColumns = `id, owner_id, candidate_name, phone, role, language, prompt, status,
	metadata, score, started_at, ended_at, version, created_at, updated_at`

func (s *PostgresStore) CreateInterview(ctx context.Context, iv interview.Interview) error {
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = now
	}
	iv.UpdatedAt = now

	meta, err := json.Marshal(iv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO interviews (`+interviewColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		iv.ID, iv.OwnerID, iv.CandidateName, iv.Phone, iv.Role, iv.Language, iv.Prompt,
		string(iv.Status), string(meta), scoreParam(iv.Score), iv.StartedAt, iv.EndedAt,
		iv.Version, iv.CreatedAt, iv.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert interview: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInterview(ctx context.Context, id string) (interview.Interview, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+interviewColumns+` FROM interviews WHERE id=$1`, id)
	iv, err := scanInterview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.Interview{}, ErrNotFound
		}
		return interview.Interview{}, fmt.Errorf("get interview: %w", err)
	}
	return iv, nil
}

func (s *PostgresStore) UpdateInterview(ctx context.Context, id string, fn MutateFunc) (interview.Interview, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.GetInterview(ctx, id)
		if err != nil {
			return interview.Interview{}, false, err
		}
		next := cur.Clone()
		changed, err := fn(&next)
		if err != nil {
			return cur, false, err
		}
		if !changed {
			return cur, false, nil
		}

		meta, err := json.Marshal(next.Metadata)
		if err != nil {
			return cur, false, fmt.Errorf("marshal metadata: %w", err)
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		next.UpdatedAt = time.Now().UTC()

		tag, err := s.pool.Exec(ctx,
			`UPDATE interviews SET
				candidate_name=$3, phone=$4, role=$5, language=$6, prompt=$7, status=$8,
				metadata=$9, score=$10, started_at=$11, ended_at=$12, version=$13, updated_at=$14
			 WHERE id=$1 AND version=$2`,
			next.ID, cur.Version,
			next.CandidateName, next.Phone, next.Role, next.Language, next.Prompt, string(next.Status),
			string(meta), scoreParam(next.Score), next.StartedAt, next.EndedAt, next.Version, next.UpdatedAt,
		)
		if err != nil {
			return cur, false, fmt.Errorf("update interview: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return next, true, nil
		}
		if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt, updateBackoffBase, updateBackoffCap)); err != nil {
			return cur, false, err
		}
	}
	return interview.Interview{}, false, ErrConflict
}

func (s *PostgresStore) CreateCallSession(ctx context.Context, cs interview.CallSession) (bool, error) {
	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.UpdatedAt = now
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO call_sessions (
			call_sid, interview_id, direction, from_number, to_number, status,
			duration_sec, error_code, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_sid) DO NOTHING`,
		cs.CallSID, cs.InterviewID, cs.Direction, cs.From, cs.To, string(cs.Status),
		cs.DurationSec, cs.ErrorCode, cs.ErrorMessage, cs.CreatedAt, cs.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert call session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const callColumns = `call_sid, interview_id, direction, from_number, to_number, status,
	duration_sec, error_code, error_message, created_at, updated_at`

func (s *PostgresStore) GetCallSession(ctx context.Context, callSID string) (interview.CallSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE call_sid=$1`, callSID)
	cs, err := scanCallSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.CallSession{}, ErrNotFound
		}
		return interview.CallSession{}, fmt.Errorf("get call session: %w", err)
	}
	return cs, nil
}

// LatestCallSession returns the most recently created call for an interview.
func (s *PostgresStore) LatestCallSession(ctx context.Context, interviewID string) (interview.CallSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions
		WHERE interview_id=$1 ORDER BY created_at DESC LIMIT 1`, interviewID)
	cs, err := scanCallSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.CallSession{}, ErrNotFound
		}
		return interview.CallSession{}, fmt.Errorf("latest call session: %w", err)
	}
	return cs, nil
}

// UpdateCallSession serializes concurrent status callbacks with a row lock.
func (s *PostgresStore) UpdateCallSession(ctx context.Context, callSID string, fn func(cs *interview.CallSession) bool) (interview.CallSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return interview.CallSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE call_sid=$1 FOR UPDATE`, callSID)
	cs, err := scanCallSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.CallSession{}, ErrNotFound
		}
		return interview.CallSession{}, fmt.Errorf("lock call session: %w", err)
	}
	if !fn(&cs) {
		return cs, nil
	}
	cs.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE call_sessions SET status=$2, duration_sec=$3, error_code=$4, error_message=$5, updated_at=$6
		 WHERE call_sid=$1`,
		cs.CallSID, string(cs.Status), cs.DurationSec, cs.ErrorCode, cs.ErrorMessage, cs.UpdatedAt,
	)
	if err != nil {
		return interview.CallSession{}, fmt.Errorf("update call session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return interview.CallSession{}, fmt.Errorf("commit tx: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) AppendSegment(ctx context.Context, seg interview.TranscriptSegment) (bool, error) {
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_segments (
			id, interview_id, source, question_index, ref, text, wpm, filler_rate, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (interview_id, ref) WHERE ref <> '' DO NOTHING`,
		seg.ID, seg.InterviewID, string(seg.Source), seg.QuestionIndex, seg.Ref,
		seg.Text, seg.WPM, seg.FillerRate, seg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert transcript segment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, interviewID string) ([]interview.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, interview_id, source, question_index, ref, text, wpm, filler_rate, created_at
		   FROM transcript_segments WHERE interview_id=$1 ORDER BY created_at ASC`,
		interviewID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcript segments: %w", err)
	}
	defer rows.Close()

	var out []interview.TranscriptSegment
	for rows.Next() {
		var seg interview.TranscriptSegment
		var source string
		if err := rows.Scan(&seg.ID, &seg.InterviewID, &source, &seg.QuestionIndex, &seg.Ref,
			&seg.Text, &seg.WPM, &seg.FillerRate, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript segment: %w", err)
		}
		seg.Source = interview.SegmentSource(source)
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript segments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanInterview(row pgx.Row) (interview.Interview, error) {
	var (
		iv     interview.Interview
		status string
		meta   []byte
		score  []byte
	)
	err := row.Scan(&iv.ID, &iv.OwnerID, &iv.CandidateName, &iv.Phone, &iv.Role, &iv.Language, &iv.Prompt,
		&status, &meta, &score, &iv.StartedAt, &iv.EndedAt, &iv.Version, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return interview.Interview{}, err
	}
	iv.Status = interview.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &iv.Metadata); err != nil {
			return interview.Interview{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(score) > 0 {
		iv.Score = json.RawMessage(score)
	}
	return iv, nil
}

func scanCallSession(row pgx.Row) (interview.CallSession, error) {
	var (
		cs     interview.CallSession
		status string
	)
	err := row.Scan(&cs.CallSID, &cs.InterviewID, &cs.Direction, &cs.From, &cs.To, &status,
		&cs.DurationSec, &cs.ErrorCode, &cs.ErrorMessage, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return interview.CallSession{}, err
	}
	cs.Status = interview.CallStatus(status)
	return cs, nil
}

func scoreParam(score json.RawMessage) any {
	if len(score) == 0 {
		return nil
	}
	return string(score)
}
