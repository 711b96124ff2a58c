package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres implements RecordStore on a pgx pool, building positional-arg SQL
// from the filter and patch maps. Rows come back through row_to_json so the
// engine sees plain maps.
type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

func (p *Postgres) Select(ctx context.Context, tenantID, table string, filter Filter, opts ...SelectOption) ([]Record, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	q := selectQuery{}
	for _, opt := range opts {
		opt(&q)
	}

	where, args, err := buildWhere(tenantID, filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t%s", table, where)
	if q.orderByDesc != "" {
		if err := checkIdent(q.orderByDesc); err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" ORDER BY %s DESC", q.orderByDesc)
	}
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
	}

	rows, err := p.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rowJSON []byte
		if err := rows.Scan(&rowJSON); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(rowJSON, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Update(ctx context.Context, tenantID, table string, filter Filter, patch Patch) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, fmt.Errorf("update on %s with empty patch", table)
	}

	var sets []string
	var args []any
	for _, col := range sortedKeys(patch) {
		if err := checkIdent(col); err != nil {
			return 0, err
		}
		args = append(args, patch[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	where, whereArgs, err := buildWhereFrom(tenantID, filter, len(args))
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	tag, err := p.DB.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (p *Postgres) Delete(ctx context.Context, tenantID, table string, filter Filter) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(tenantID, filter)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s%s", table, where)
	tag, err := p.DB.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (p *Postgres) Insert(ctx context.Context, tenantID, table string, row Record) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("insert on %s with empty row", table)
	}

	full := Record{}
	for k, v := range row {
		full[k] = v
	}
	if tenantID != "" {
		full["tenant_id"] = tenantID
	}

	var cols, places []string
	var args []any
	for _, col := range sortedKeys(full) {
		if err := checkIdent(col); err != nil {
			return err
		}
		args = append(args, full[col])
		cols = append(cols, col)
		places = append(places, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(places, ", "))
	_, err := p.DB.Exec(ctx, query, args...)
	return err
}

func buildWhere(tenantID string, filter Filter) (string, []any, error) {
	return buildWhereFrom(tenantID, filter, 0)
}

func buildWhereFrom(tenantID string, filter Filter, argOffset int) (string, []any, error) {
	var clauses []string
	var args []any

	if tenantID != "" {
		args = append(args, tenantID)
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", argOffset+len(args)))
	}
	for _, col := range sortedKeys(map[string]any(filter)) {
		if err := checkIdent(col); err != nil {
			return "", nil, err
		}
		value := filter[col]
		args = append(args, value)
		switch value.(type) {
		case []string, []any:
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, argOffset+len(args)))
		default:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, argOffset+len(args)))
		}
	}

	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("refusing unfiltered operation")
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
