package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/repo"
)

const (
	insertStepQuery = `INSERT INTO steps (id, priority, scope, velocity, tag, status, epoch, msg, trace)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`

	updateStepStatusQuery = `UPDATE steps SET status = $2, epoch = $3 WHERE id = $1`

	updateStepErrorQuery = `UPDATE steps SET status = $2, epoch = $3, msg = $4, trace = $5 WHERE id = $1`

	selectStepQuery = `SELECT id, priority, scope, velocity, tag, status, epoch, msg, trace FROM steps WHERE id = $1`
)

// StepStore implements repo.StepStore over a Postgres steps table.
type StepStore struct {
	db DB
}

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

func (s *StepStore) Insert(ctx context.Context, row domain.Row) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	_, err := s.db.ExecContext(ctx, insertStepQuery,
		row.ID, row.Priority, row.Scope, row.Velocity, row.Tag, int(row.Status), row.Epoch, row.Msg, row.Trace)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// InsertBatch inserts rows in a single multi-row INSERT statement
// instead of one round trip per row, for upload-steps' bulk path.
func (s *StepStore) InsertBatch(ctx context.Context, rows []domain.Row) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if len(rows) == 0 {
		return nil
	}

	const cols = 9
	valueGroups := make([]string, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, row := range rows {
		start := i*cols + 1
		valueGroups[i] = fmt.Sprintf("(%s)", placeholders(start, cols))
		args = append(args, row.ID, row.Priority, row.Scope, row.Velocity, row.Tag, int(row.Status), row.Epoch, row.Msg, row.Trace)
	}
	query := fmt.Sprintf(`INSERT INTO steps (id, priority, scope, velocity, tag, status, epoch, msg, trace)
		VALUES %s ON CONFLICT (id) DO NOTHING`, strings.Join(valueGroups, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert steps batch: %w", err)
	}
	return nil
}

func (s *StepStore) UpdateStatus(ctx context.Context, id string, status domain.Status, epoch int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	_, err := s.db.ExecContext(ctx, updateStepStatusQuery, id, int(status), epoch)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	return nil
}

func (s *StepStore) UpdateStatusBatch(ctx context.Context, ids []string, status domain.Status, epoch int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE steps SET status = $1, epoch = $2 WHERE id IN (%s)`, placeholders(3, len(ids)))
	args := make([]any, 0, len(ids)+2)
	args = append(args, int(status), epoch)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step status batch: %w", err)
	}
	return nil
}

func (s *StepStore) UpdateError(ctx context.Context, id string, epoch int64, msg, trace string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	_, err := s.db.ExecContext(ctx, updateStepErrorQuery, id, int(domain.StatusError), epoch, msg, trace)
	if err != nil {
		return fmt.Errorf("update step error: %w", err)
	}
	return nil
}

func (s *StepStore) Select(ctx context.Context, filter repo.SelectionFilter) ([]domain.Row, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	if len(filter.Scopes) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(filter.Scopes)+3)
	placeholderList := make([]string, 0, len(filter.Scopes))
	for _, scope := range filter.Scopes {
		args = append(args, scope)
		placeholderList = append(placeholderList, fmt.Sprintf("$%d", len(args)))
	}
	scopeClause := strings.Join(placeholderList, ", ")

	args = append(args, int(filter.Status))
	statusArg := fmt.Sprintf("$%d", len(args))

	statusClause := fmt.Sprintf("status = %s", statusArg)
	if filter.IncludeWorking {
		args = append(args, int(domain.StatusWorking))
		workingStatusArg := fmt.Sprintf("$%d", len(args))
		args = append(args, filter.WorkingBefore)
		workingBeforeArg := fmt.Sprintf("$%d", len(args))
		statusClause = fmt.Sprintf("(%s OR (status = %s AND epoch < %s))", statusClause, workingStatusArg, workingBeforeArg)
	}

	order := "priority DESC, epoch ASC"
	if filter.Reverse {
		order = "priority ASC, epoch ASC"
	}

	limitClause := ""
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT id, priority, scope, velocity, tag, status, epoch, msg, trace
		FROM steps WHERE scope IN (%s) AND %s ORDER BY %s%s`, scopeClause, statusClause, order, limitClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	return out, nil
}

func (s *StepStore) Lease(ctx context.Context, ids []string, epoch int64) error {
	return s.UpdateStatusBatch(ctx, ids, domain.StatusWorking, epoch)
}

func (s *StepStore) Get(ctx context.Context, id string) (domain.Row, error) {
	if s == nil || s.db == nil {
		return domain.Row{}, fmt.Errorf("step store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectStepQuery, id)
	return scanRow(row)
}

func (s *StepStore) GetBatch(ctx context.Context, ids []string) ([]domain.Row, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, priority, scope, velocity, tag, status, epoch, msg, trace FROM steps WHERE id IN (%s)`, placeholders(1, len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get steps batch: %w", err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *StepStore) CountByStatus(ctx context.Context, includeTerminal bool) (map[domain.Status]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	query := `SELECT status, COUNT(*) FROM steps GROUP BY status`
	if !includeTerminal {
		query = fmt.Sprintf(`SELECT status, COUNT(*) FROM steps WHERE status NOT IN (%d, %d) GROUP BY status`,
			int(domain.StatusSuccess), int(domain.StatusCancel))
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[domain.Status]int{}
	for rows.Next() {
		var statusInt, count int
		if err := rows.Scan(&statusInt, &count); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		out[domain.Status(statusInt)] = count
	}
	return out, rows.Err()
}

func (s *StepStore) SelectByStatus(ctx context.Context, status domain.Status, includeWorking bool, limit int) ([]domain.Row, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	query := `SELECT id, priority, scope, velocity, tag, status, epoch, msg, trace FROM steps WHERE status = $1`
	args := []any{int(status)}
	if includeWorking {
		query = `SELECT id, priority, scope, velocity, tag, status, epoch, msg, trace FROM steps WHERE status IN ($1, $2)`
		args = []any{int(status), int(domain.StatusWorking)}
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select by status: %w", err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *StepStore) Delete(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM steps WHERE id IN (%s)`, placeholders(1, len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (domain.Row, error) {
	var row domain.Row
	var statusInt int
	var velocity sql.NullFloat64
	var msg, trace sql.NullString
	if err := scanner.Scan(&row.ID, &row.Priority, &row.Scope, &velocity, &row.Tag, &statusInt, &row.Epoch, &msg, &trace); err != nil {
		return domain.Row{}, handleNotFound(err)
	}
	row.Status = domain.Status(statusInt)
	if velocity.Valid {
		v := velocity.Float64
		row.Velocity = &v
	}
	row.Msg = msg.String
	row.Trace = trace.String
	return row, nil
}

func handleNotFound(err error) error {
	if err == sql.ErrNoRows {
		return repo.ErrNotFound
	}
	return err
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}
