package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rideline/internal/domain"
)

const rowColumns = `id,position,COALESCE(start_date,''),COALESCE(start_time,''),COALESCE(grp,''),
COALESCE(route_url,''),COALESCE(route_name,''),COALESCE(ride_url,''),COALESCE(ride_name,''),
leaders_json,COALESCE(location,''),COALESCE(address,''),state,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (domain.Row, error) {
	var (
		row     domain.Row
		leaders string
		state   string
	)
	err := s.Scan(&row.ID, &row.Position, &row.StartDate, &row.StartTime, &row.Group,
		&row.Route.URL, &row.Route.Name, &row.Ride.URL, &row.Ride.Name,
		&leaders, &row.Location, &row.Address, &state, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return row, ErrNotFound
	}
	if err != nil {
		return row, err
	}
	row.State = domain.RowState(state)
	if leaders != "" {
		if err := json.Unmarshal([]byte(leaders), &row.Leaders); err != nil {
			return row, fmt.Errorf("row %s leaders: %w", row.ID, err)
		}
	}
	return row, nil
}

func leadersJSON(leaders []string) (string, error) {
	if leaders == nil {
		leaders = []string{}
	}
	data, err := json.Marshal(leaders)
	return string(data), err
}

// AppendRow inserts row at the next free position. ID, CreatedAt and
// UpdatedAt must already be set.
func (r Repo) AppendRow(ctx context.Context, row domain.Row) (domain.Row, error) {
	leaders, err := leadersJSON(row.Leaders)
	if err != nil {
		return row, err
	}
	if row.State == "" {
		row.State = domain.StateUnscheduled
	}
	err = r.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM ride_rows`).Scan(&row.Position); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO ride_rows(id,position,start_date,start_time,grp,route_url,route_name,ride_url,ride_name,leaders_json,location,address,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			row.ID, row.Position, nullable(row.StartDate), nullable(row.StartTime), nullable(row.Group),
			nullable(row.Route.URL), nullable(row.Route.Name), nullable(row.Ride.URL), nullable(row.Ride.Name),
			leaders, nullable(row.Location), nullable(row.Address), string(row.State), row.CreatedAt, row.UpdatedAt)
		return err
	})
	if err != nil {
		return row, fmt.Errorf("append row: %w", err)
	}
	return row, nil
}

func (r Repo) GetRow(ctx context.Context, id string) (domain.Row, error) {
	return scanRow(r.q(ctx).QueryRowContext(ctx, `SELECT `+rowColumns+` FROM ride_rows WHERE id=?`, id))
}

func (r Repo) GetRowByPosition(ctx context.Context, position int) (domain.Row, error) {
	return scanRow(r.q(ctx).QueryRowContext(ctx, `SELECT `+rowColumns+` FROM ride_rows WHERE position=?`, position))
}

// FindRow resolves a row id or a position number.
func (r Repo) FindRow(ctx context.Context, ref string) (domain.Row, error) {
	ref = strings.TrimSpace(ref)
	if pos, err := strconv.Atoi(ref); err == nil {
		return r.GetRowByPosition(ctx, pos)
	}
	return r.GetRow(ctx, ref)
}

type RowFilters struct {
	State domain.RowState
	Group string
	From  string
	To    string
	Limit int
}

func (r Repo) ListRows(ctx context.Context, f RowFilters) ([]domain.Row, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Group != "" {
		clauses = append(clauses, "grp=?")
		args = append(args, f.Group)
	}
	if f.From != "" {
		clauses = append(clauses, "start_date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "start_date<=?")
		args = append(args, f.To)
	}
	query := `SELECT ` + rowColumns + ` FROM ride_rows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY position`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// SelectRows resolves refs (ids or positions) and returns the rows in
// position order without duplicates. Any unknown ref fails the call.
func (r Repo) SelectRows(ctx context.Context, refs []string) ([]domain.Row, error) {
	seen := map[string]bool{}
	var (
		out     []domain.Row
		missing []string
	)
	for _, ref := range refs {
		row, err := r.FindRow(ctx, ref)
		if err == ErrNotFound {
			missing = append(missing, ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		out = append(out, row)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("rows %s: %w", strings.Join(missing, ", "), ErrNotFound)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// SaveRow writes every mutable field of row. Position and CreatedAt never
// change.
func (r Repo) SaveRow(ctx context.Context, row domain.Row) error {
	leaders, err := leadersJSON(row.Leaders)
	if err != nil {
		return err
	}
	res, err := r.q(ctx).ExecContext(ctx, `UPDATE ride_rows SET start_date=?,start_time=?,grp=?,route_url=?,route_name=?,ride_url=?,ride_name=?,leaders_json=?,location=?,address=?,state=?,updated_at=? WHERE id=?`,
		nullable(row.StartDate), nullable(row.StartTime), nullable(row.Group),
		nullable(row.Route.URL), nullable(row.Route.Name), nullable(row.Ride.URL), nullable(row.Ride.Name),
		leaders, nullable(row.Location), nullable(row.Address), string(row.State), row.UpdatedAt, row.ID)
	if err != nil {
		return fmt.Errorf("save row %s: %w", row.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RowIndex maps every row id to its current position.
func (r Repo) RowIndex(ctx context.Context) (map[string]int, error) {
	rows, err := r.q(ctx).QueryContext(ctx, `SELECT id,position FROM ride_rows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	idx := map[string]int{}
	for rows.Next() {
		var (
			id  string
			pos int
		)
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, err
		}
		idx[id] = pos
	}
	return idx, rows.Err()
}

func (r Repo) CountRowsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.q(ctx).QueryContext(ctx, `SELECT state, COUNT(*) FROM ride_rows GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}
