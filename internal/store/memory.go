package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a map-backed RecordStore used by engine tests. Per-table failures
// can be injected to exercise the engines' error isolation.
type Memory struct {
	mu       sync.Mutex
	tables   map[string][]Record
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		tables:   map[string][]Record{},
		failures: map[string]error{},
	}
}

func (m *Memory) Seed(table string, rows ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.tables[table] = append(m.tables[table], cloneRecord(row))
	}
}

// FailWith makes every operation on table return err until cleared with nil.
func (m *Memory) FailWith(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, table)
		return
	}
	m.failures[table] = err
}

func (m *Memory) Rows(table string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]Record, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		rows = append(rows, cloneRecord(row))
	}
	return rows
}

func (m *Memory) Select(ctx context.Context, tenantID, table string, filter Filter, opts ...SelectOption) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[table]; err != nil {
		return nil, err
	}

	q := selectQuery{}
	for _, opt := range opts {
		opt(&q)
	}

	var out []Record
	for _, row := range m.tables[table] {
		if matches(row, tenantID, filter) {
			out = append(out, cloneRecord(row))
		}
	}
	if q.orderByDesc != "" {
		col := q.orderByDesc
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i][col]) > fmt.Sprint(out[j][col])
		})
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, tenantID, table string, filter Filter, patch Patch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[table]; err != nil {
		return 0, err
	}

	var affected int64
	for _, row := range m.tables[table] {
		if matches(row, tenantID, filter) {
			for col, value := range patch {
				row[col] = value
			}
			affected++
		}
	}
	return affected, nil
}

func (m *Memory) Delete(ctx context.Context, tenantID, table string, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[table]; err != nil {
		return 0, err
	}

	var kept []Record
	var affected int64
	for _, row := range m.tables[table] {
		if matches(row, tenantID, filter) {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return affected, nil
}

func (m *Memory) Insert(ctx context.Context, tenantID, table string, row Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[table]; err != nil {
		return err
	}

	stored := cloneRecord(row)
	if tenantID != "" {
		stored["tenant_id"] = tenantID
	}
	m.tables[table] = append(m.tables[table], stored)
	return nil
}

func matches(row Record, tenantID string, filter Filter) bool {
	if tenantID != "" && fmt.Sprint(row["tenant_id"]) != tenantID {
		return false
	}
	for col, want := range filter {
		got, ok := row[col]
		if !ok {
			return false
		}
		switch values := want.(type) {
		case []string:
			if !containsValue(values, got) {
				return false
			}
		case []any:
			strs := make([]string, 0, len(values))
			for _, v := range values {
				strs = append(strs, fmt.Sprint(v))
			}
			if !containsValue(strs, got) {
				return false
			}
		default:
			if fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

func containsValue(values []string, got any) bool {
	gotStr := fmt.Sprint(got)
	for _, v := range values {
		if v == gotStr {
			return true
		}
	}
	return false
}

func cloneRecord(row Record) Record {
	out := make(Record, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
