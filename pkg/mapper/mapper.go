package mapper

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/dbpool"
	"github.com/fkchat/fkchat/pkg/log"
)

// Tagged mapper errors.
var (
	ErrNotFound             = errors.New("entity not found")
	ErrDataAlreadyExist     = errors.New("data already exists")
	ErrConfirmationRequired = errors.New("destructive operation requires confirmation")
	ErrNoFields             = errors.New("no fields specified")
)

// Field describes one mapped column of an entity.
type Field[E any] struct {
	Column        string
	AutoIncrement bool
	// Value extracts the column's bindable value from an entity.
	Value func(*E) any
	// Assign writes a scanned driver value back onto an entity.
	Assign func(*E, driver.Value) error
}

// Schema binds an entity type to its table.
type Schema[E any] struct {
	Table      string
	PrimaryKey string
	Fields     []Field[E]
	CreateDDL  string
}

func (s *Schema[E]) field(column string) (*Field[E], bool) {
	for i := range s.Fields {
		if s.Fields[i].Column == column {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

func (s *Schema[E]) columns() []string {
	cols := make([]string, len(s.Fields))
	for i := range s.Fields {
		cols[i] = s.Fields[i].Column
	}
	return cols
}

// Assignment is one SET-clause entry. A raw assignment contributes SQL
// text only (e.g. NOW(3)) and no bind slot.
type Assignment struct {
	Column string
	Value  any
	Raw    string
}

// Set binds a value to a column.
func Set(column string, value any) Assignment {
	return Assignment{Column: column, Value: value}
}

// SetRaw assigns a raw SQL expression to a column.
func SetRaw(column, expr string) Assignment {
	return Assignment{Column: column, Raw: expr}
}

// Query options (ordering and pagination).

type queryOptions struct {
	orderBy  string
	desc     bool
	offset   int64
	limit    int64
	hasLimit bool
}

// QueryOption adjusts ordering or pagination of a query.
type QueryOption func(*queryOptions)

// OrderBy sorts results on column, descending when desc is set.
func OrderBy(column string, desc bool) QueryOption {
	return func(o *queryOptions) {
		o.orderBy = column
		o.desc = desc
	}
}

// Paginate limits results to limit rows starting at offset.
func Paginate(offset, limit int64) QueryOption {
	return func(o *queryOptions) {
		o.offset = offset
		o.limit = limit
		o.hasLimit = true
	}
}

func (o *queryOptions) suffix() string {
	var b strings.Builder
	if o.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(quoteColumn(o.orderBy))
		if o.desc {
			b.WriteString(" DESC")
		}
	}
	if o.hasLimit {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.FormatInt(o.offset, 10))
		b.WriteString(", ")
		b.WriteString(strconv.FormatInt(o.limit, 10))
	}
	return b.String()
}

// Mapper executes typed statements for one entity schema against the
// connection pool.
type Mapper[E any] struct {
	pool   *dbpool.Pool
	schema Schema[E]
	logger zerolog.Logger
}

// New builds a mapper for schema over pool.
func New[E any](pool *dbpool.Pool, schema Schema[E]) *Mapper[E] {
	return &Mapper[E]{
		pool:   pool,
		schema: schema,
		logger: log.WithComponent("mapper").With().Str("table", schema.Table).Logger(),
	}
}

// FindByID returns the entity with the given primary key, or ErrNotFound.
func (m *Mapper[E]) FindByID(ctx context.Context, id any) (*E, error) {
	results, err := m.QueryByCondition(ctx, EQ(m.schema.PrimaryKey, id), Paginate(0, 1))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

// FindAll returns every entity, subject to ordering and pagination.
func (m *Mapper[E]) FindAll(ctx context.Context, opts ...QueryOption) ([]*E, error) {
	return m.QueryByCondition(ctx, True(), opts...)
}

// Insert stores a new entity. Duplicate unique keys map to
// ErrDataAlreadyExist.
func (m *Mapper[E]) Insert(ctx context.Context, entity *E) (int64, error) {
	var cols []string
	var binds []driver.Value
	for i := range m.schema.Fields {
		f := &m.schema.Fields[i]
		if f.AutoIncrement {
			continue
		}
		v, err := bindValue(f.Value(entity))
		if err != nil {
			return 0, fmt.Errorf("failed to bind column %s: %w", f.Column, err)
		}
		cols = append(cols, quoteColumn(f.Column))
		binds = append(binds, v)
	}

	query := "INSERT INTO " + quoteColumn(m.schema.Table) +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"

	var affected int64
	err := m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		var execErr error
		affected, execErr = conn.Exec(ctx, query, binds)
		return execErr
	})
	if err != nil {
		return 0, mapSQLError(err)
	}
	return affected, nil
}

// DeleteByID removes the entity with the given primary key.
func (m *Mapper[E]) DeleteByID(ctx context.Context, id any) (int64, error) {
	return m.DeleteByCondition(ctx, EQ(m.schema.PrimaryKey, id))
}

// UpdateFieldsByID updates the given assignments on one entity.
func (m *Mapper[E]) UpdateFieldsByID(ctx context.Context, id any, sets ...Assignment) (int64, error) {
	return m.UpdateFieldsByCondition(ctx, EQ(m.schema.PrimaryKey, id), sets...)
}

// QueryByCondition returns the entities matching the condition tree.
func (m *Mapper[E]) QueryByCondition(ctx context.Context, cond *Condition, opts ...QueryOption) ([]*E, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	cols := m.schema.columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteColumn(c)
	}
	query := "SELECT " + strings.Join(quoted, ", ") + " FROM " + quoteColumn(m.schema.Table) +
		" WHERE " + cond.SQL() + o.suffix()

	binds, err := cond.Params()
	if err != nil {
		return nil, err
	}

	var results []*E
	err = m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		rows, err := conn.Query(ctx, query, binds)
		if err != nil {
			return err
		}
		defer rows.Close()

		dest := make([]driver.Value, len(cols))
		for {
			if err := rows.Next(dest); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			entity := new(E)
			for i, col := range cols {
				f, _ := m.schema.field(col)
				if err := f.Assign(entity, dest[i]); err != nil {
					return fmt.Errorf("failed to scan column %s: %w", col, err)
				}
			}
			results = append(results, entity)
		}
	})
	if err != nil {
		return nil, mapSQLError(err)
	}
	return results, nil
}

// QueryFieldsByCondition returns only the named columns as generic rows.
func (m *Mapper[E]) QueryFieldsByCondition(ctx context.Context, cond *Condition, fields []string, opts ...QueryOption) ([]map[string]any, error) {
	if len(fields) == 0 {
		return nil, ErrNoFields
	}
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	quoted := make([]string, len(fields))
	for i, c := range fields {
		quoted[i] = quoteColumn(c)
	}
	query := "SELECT " + strings.Join(quoted, ", ") + " FROM " + quoteColumn(m.schema.Table) +
		" WHERE " + cond.SQL() + o.suffix()

	binds, err := cond.Params()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	err = m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		rows, err := conn.Query(ctx, query, binds)
		if err != nil {
			return err
		}
		defer rows.Close()

		dest := make([]driver.Value, len(fields))
		for {
			if err := rows.Next(dest); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			row := make(map[string]any, len(fields))
			for i, col := range fields {
				row[col] = normalizeValue(dest[i])
			}
			results = append(results, row)
		}
	})
	if err != nil {
		return nil, mapSQLError(err)
	}
	return results, nil
}

// CountByCondition returns the number of matching rows.
func (m *Mapper[E]) CountByCondition(ctx context.Context, cond *Condition) (int64, error) {
	query := "SELECT COUNT(*) FROM " + quoteColumn(m.schema.Table) + " WHERE " + cond.SQL()
	binds, err := cond.Params()
	if err != nil {
		return 0, err
	}

	var count int64
	err = m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		rows, err := conn.Query(ctx, query, binds)
		if err != nil {
			return err
		}
		defer rows.Close()

		dest := make([]driver.Value, 1)
		if err := rows.Next(dest); err != nil {
			return err
		}
		switch v := dest[0].(type) {
		case int64:
			count = v
		case []byte:
			count, err = strconv.ParseInt(string(v), 10, 64)
			return err
		default:
			return fmt.Errorf("unexpected COUNT type %T", dest[0])
		}
		return nil
	})
	if err != nil {
		return 0, mapSQLError(err)
	}
	return count, nil
}

// UpdateFieldsByCondition updates the assignments on every matching row.
// SET and WHERE parameters share one bind array: set bindables occupy the
// leading slots, the condition tree binds after them, and the driver sees
// a single bind call. Raw assignments contribute SQL text only.
func (m *Mapper[E]) UpdateFieldsByCondition(ctx context.Context, cond *Condition, sets ...Assignment) (int64, error) {
	if len(sets) == 0 {
		return 0, ErrNoFields
	}

	setParts := make([]string, len(sets))
	var bindables []any
	for i, set := range sets {
		if set.Raw != "" {
			setParts[i] = quoteColumn(set.Column) + " = " + set.Raw
			continue
		}
		setParts[i] = quoteColumn(set.Column) + " = ?"
		bindables = append(bindables, set.Value)
	}

	binds := make([]driver.Value, len(bindables)+cond.ParamCount())
	idx := 0
	for _, v := range bindables {
		dv, err := bindValue(v)
		if err != nil {
			return 0, err
		}
		binds[idx] = dv
		idx++
	}
	if _, err := cond.Bind(binds, idx); err != nil {
		return 0, err
	}

	query := "UPDATE " + quoteColumn(m.schema.Table) + " SET " + strings.Join(setParts, ", ") +
		" WHERE " + cond.SQL()

	var affected int64
	err := m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		var execErr error
		affected, execErr = conn.Exec(ctx, query, binds)
		return execErr
	})
	if err != nil {
		return 0, mapSQLError(err)
	}
	return affected, nil
}

// DeleteByCondition removes every matching row.
func (m *Mapper[E]) DeleteByCondition(ctx context.Context, cond *Condition) (int64, error) {
	query := "DELETE FROM " + quoteColumn(m.schema.Table) + " WHERE " + cond.SQL()
	binds, err := cond.Params()
	if err != nil {
		return 0, err
	}

	var affected int64
	err = m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		var execErr error
		affected, execErr = conn.Exec(ctx, query, binds)
		return execErr
	})
	if err != nil {
		return 0, mapSQLError(err)
	}
	return affected, nil
}

// CreateTable executes the schema's DDL.
func (m *Mapper[E]) CreateTable(ctx context.Context) error {
	if m.schema.CreateDDL == "" {
		return fmt.Errorf("schema for %s has no DDL", m.schema.Table)
	}
	return m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		_, err := conn.Exec(ctx, m.schema.CreateDDL, nil)
		return err
	})
}

// TruncateTable empties the table. Gated by confirm to prevent accidents.
func (m *Mapper[E]) TruncateTable(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	m.logger.Warn().Msg("truncating table")
	return m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		_, err := conn.Exec(ctx, "TRUNCATE TABLE "+quoteColumn(m.schema.Table), nil)
		return err
	})
}

// DropTable drops the table. Gated by confirm to prevent accidents.
func (m *Mapper[E]) DropTable(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	m.logger.Warn().Msg("dropping table")
	return m.pool.ExecuteWithConnection(ctx, func(conn *dbpool.Conn) error {
		_, err := conn.Exec(ctx, "DROP TABLE "+quoteColumn(m.schema.Table), nil)
		return err
	})
}

// mapSQLError folds driver errors into the mapper's tagged kinds.
func mapSQLError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %v", ErrDataAlreadyExist, err)
	}
	return err
}

// normalizeValue folds driver byte slices into strings for generic rows.
func normalizeValue(v driver.Value) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
