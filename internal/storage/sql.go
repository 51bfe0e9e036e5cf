package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/ratelimit"
	logx "zhihupub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// lockSuffix is appended to the read inside UpdateTask.
func (d dialect) lockSuffix() string {
	if d == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// sqlStore is the database/sql backend shared by sqlite and postgres.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.60s)", err, stmt)
		}
	}
	return nil
}

// splitStatements splits a script on ';' and drops comment-only chunks.
func splitStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var lines []string
		for _, ln := range strings.Split(chunk, "\n") {
			if t := strings.TrimSpace(ln); t == "" || strings.HasPrefix(t, "--") {
				continue
			}
			lines = append(lines, ln)
		}
		if len(lines) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return out
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- tasks ----

const taskColumns = `id, article_id, account_id, status, mode, scheduled_at, retry_count, error_message, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t                domain.Task
		status, mode     string
		scheduled        sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&t.ID, &t.ArticleID, &t.AccountID, &status, &mode, &scheduled, &t.RetryCount, &t.ErrorMessage, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Mode = domain.Mode(mode)
	t.ScheduledAt = fromMS(scheduled)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

func (s *sqlStore) CreateTasks(ctx context.Context, tasks ...domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range tasks {
		if t.ID == "" {
			return domain.InvalidInput("task id is required")
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.ArticleID, t.AccountID, string(t.Status), string(t.Mode), msOrNil(t.ScheduledAt),
			t.RetryCount, t.ErrorMessage, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.getTask(ctx, s.db, id, "")
}

func (s *sqlStore) getTask(ctx context.Context, q sqlExecer, id, suffix string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`+suffix), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound("task", id)
	}
	return t, err
}

func (s *sqlStore) UpdateTask(ctx context.Context, id string, expect domain.Status, fn func(*domain.Task)) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getTask(ctx, tx, id, s.d.lockSuffix())
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Status != expect {
		return domain.Task{}, ConflictError{TaskID: id, Expected: expect, Actual: cur.Status}
	}
	next := cur
	fn(&next)
	next.ID = id

	res, err := s.exec(ctx, tx,
		`UPDATE tasks SET article_id = ?, account_id = ?, status = ?, mode = ?, scheduled_at = ?,
		 retry_count = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		next.ArticleID, next.AccountID, string(next.Status), string(next.Mode), msOrNil(next.ScheduledAt),
		next.RetryCount, next.ErrorMessage, next.UpdatedAt.UnixMilli(),
		id, string(expect),
	)
	if err != nil {
		return domain.Task{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Task{}, ConflictError{TaskID: id, Expected: expect, Actual: cur.Status}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	// round-trip through ms precision like a fresh read would
	next.UpdatedAt = time.UnixMilli(next.UpdatedAt.UnixMilli())
	if next.ScheduledAt != nil {
		at := time.UnixMilli(next.ScheduledAt.UnixMilli())
		next.ScheduledAt = &at
	}
	return next, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.DueAt.IsZero() {
		where = append(where, "(scheduled_at IS NULL OR scheduled_at <= ?)")
		args = append(args, f.DueAt.UnixMilli())
	}
	if f.RetryBelow > 0 {
		where = append(where, "retry_count < ?")
		args = append(args, f.RetryBelow)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		q += " ORDER BY created_at DESC, id DESC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- attempts ----

const attemptColumns = `id, task_id, article_id, account_id, outcome, started_at, finished_at, artifact_url, screenshot_path, message`

func scanAttempt(r rowScanner) (domain.Attempt, error) {
	var (
		a        domain.Attempt
		outcome  string
		started  int64
		finished sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.TaskID, &a.ArticleID, &a.AccountID, &outcome, &started, &finished, &a.ArtifactURL, &a.ScreenshotPath, &a.Message); err != nil {
		return domain.Attempt{}, err
	}
	a.Outcome = domain.Outcome(outcome)
	a.StartedAt = time.UnixMilli(started)
	a.FinishedAt = fromMS(finished)
	return a, nil
}

func (s *sqlStore) AppendAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO attempts(`+attemptColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.ArticleID, a.AccountID, string(a.Outcome), a.StartedAt.UnixMilli(), msOrNil(a.FinishedAt),
		a.ArtifactURL, a.ScreenshotPath, a.Message,
	)
	return err
}

func (s *sqlStore) FinishAttempt(ctx context.Context, id string, r domain.AttemptResult) (domain.Attempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attempt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`+s.d.lockSuffix()), id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.NotFound("attempt", id)
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	if a.Finished() {
		return domain.Attempt{}, domain.InvalidInput("attempt %s already finished", id)
	}
	applyResult(&a, r)
	_, err = s.exec(ctx, tx,
		`UPDATE attempts SET outcome = ?, finished_at = ?, artifact_url = ?, screenshot_path = ?, message = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(a.Outcome), msOrNil(a.FinishedAt), a.ArtifactURL, a.ScreenshotPath, a.Message, id,
	)
	if err != nil {
		return domain.Attempt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attempt{}, err
	}
	at := time.UnixMilli(a.FinishedAt.UnixMilli())
	a.FinishedAt = &at
	return a, nil
}

func (s *sqlStore) ListAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT `+attemptColumns+` FROM attempts WHERE task_id = ? ORDER BY started_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- accounts ----

const accountColumns = `id, nickname, profile_handle, active, login_state, daily_limit, created_at`

func scanAccount(r rowScanner) (domain.Account, error) {
	var (
		a       domain.Account
		active  int
		login   string
		created int64
	)
	if err := r.Scan(&a.ID, &a.Nickname, &a.ProfileHandle, &active, &login, &a.DailyLimit, &created); err != nil {
		return domain.Account{}, err
	}
	a.Active = active != 0
	a.LoginState = domain.LoginState(login)
	a.CreatedAt = time.UnixMilli(created)
	return a, nil
}

func (s *sqlStore) PutAccount(ctx context.Context, a domain.Account) error {
	if a.ID == "" {
		return domain.InvalidInput("account id is required")
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO accounts(`+accountColumns+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET nickname = excluded.nickname, profile_handle = excluded.profile_handle,
		 active = excluded.active, login_state = excluded.login_state, daily_limit = excluded.daily_limit`,
		a.ID, a.Nickname, a.ProfileHandle, boolInt(a.Active), string(a.LoginState), a.DailyLimit, a.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.NotFound("account", id)
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- articles ----

const articleColumns = `id, title, body, tags, word_count, status, created_at, updated_at`

func (s *sqlStore) PutArticle(ctx context.Context, a domain.Article) error {
	if a.ID == "" {
		return domain.InvalidInput("article id is required")
	}
	tags, err := json.Marshal(append([]string{}, a.Tags...))
	if err != nil {
		return err
	}
	status := a.Status
	if status == "" {
		status = domain.ArticleDraft
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO articles(`+articleColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, body = excluded.body, tags = excluded.tags,
		 word_count = excluded.word_count, status = excluded.status, updated_at = excluded.updated_at`,
		a.ID, a.Title, a.Body, string(tags), a.WordCount, string(status), a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetArticle(ctx context.Context, id string) (domain.Article, error) {
	var (
		a                domain.Article
		tags, status     string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id).
		Scan(&a.ID, &a.Title, &a.Body, &tags, &a.WordCount, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Article{}, domain.NotFound("article", id)
	}
	if err != nil {
		return domain.Article{}, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return domain.Article{}, fmt.Errorf("article %s tags: %w", id, err)
	}
	a.Status = domain.ArticleStatus(status)
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(updated)
	return a, nil
}

func (s *sqlStore) MarkArticlePublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE articles SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.ArticlePublished), at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("article", id)
	}
	return nil
}

// ---- usage ----

func (s *sqlStore) AccountUsage(ctx context.Context, accountID string, since time.Time) (ratelimit.Usage, error) {
	var (
		count int64
		last  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COALESCE(SUM(CASE WHEN status = ? AND updated_at >= ? THEN 1 ELSE 0 END), 0), MAX(updated_at)
		 FROM tasks WHERE account_id = ? AND status IN (?, ?)`),
		string(domain.StatusSuccess), since.UnixMilli(), accountID,
		string(domain.StatusSuccess), string(domain.StatusRunning),
	).Scan(&count, &last)
	if err != nil {
		return ratelimit.Usage{}, err
	}
	u := ratelimit.Usage{SuccessToday: int(count)}
	if last.Valid {
		u.LastActivity = time.UnixMilli(last.Int64)
	}
	return u, nil
}
