package db

import (
	"fmt"
	"strings"

	"github.com/agrios/offline/internal/schema"
)

// Filter narrows, orders or limits a Query.
type Filter interface {
	apply(b *queryBuilder) error
}

type filterFunc func(b *queryBuilder) error

func (f filterFunc) apply(b *queryBuilder) error { return f(b) }

// Eq matches rows where column equals value. A nil value matches NULL.
func Eq(column string, value interface{}) Filter {
	return filterFunc(func(b *queryBuilder) error {
		col, v, err := b.operand(column, value)
		if err != nil {
			return err
		}
		if v == nil {
			b.where(col + " IS NULL")
			return nil
		}
		b.where(col+" = ?", v)
		return nil
	})
}

// NotEq matches rows where column differs from value, NULL included.
func NotEq(column string, value interface{}) Filter {
	return filterFunc(func(b *queryBuilder) error {
		col, v, err := b.operand(column, value)
		if err != nil {
			return err
		}
		b.where(col+" IS NOT ?", v)
		return nil
	})
}

// In matches rows whose column is one of values. No values matches nothing.
func In(column string, values ...interface{}) Filter {
	return filterFunc(func(b *queryBuilder) error {
		if len(values) == 0 {
			b.where("1=0")
			return nil
		}
		placeholders := make([]string, len(values))
		args := make([]interface{}, len(values))
		var col string
		for i, value := range values {
			c, v, err := b.operand(column, value)
			if err != nil {
				return err
			}
			col = c
			placeholders[i] = "?"
			args[i] = v
		}
		b.where(col+" IN ("+strings.Join(placeholders, ", ")+")", args...)
		return nil
	})
}

// Range matches from <= column <= to. A nil bound is open.
func Range(column string, from, to interface{}) Filter {
	return filterFunc(func(b *queryBuilder) error {
		if from == nil && to == nil {
			return fmt.Errorf("range on %s has no bounds", column)
		}
		if from != nil {
			col, v, err := b.operand(column, from)
			if err != nil {
				return err
			}
			b.where(col+" >= ?", v)
		}
		if to != nil {
			col, v, err := b.operand(column, to)
			if err != nil {
				return err
			}
			b.where(col+" <= ?", v)
		}
		return nil
	})
}

// WithDeleted includes soft-deleted rows.
func WithDeleted() Filter {
	return filterFunc(func(b *queryBuilder) error {
		b.withDeleted = true
		return nil
	})
}

// OrderBy sorts by column. Multiple OrderBy filters apply in order.
func OrderBy(column string, desc bool) Filter {
	return filterFunc(func(b *queryBuilder) error {
		col, _, err := b.column(column)
		if err != nil {
			return err
		}
		if desc {
			col += " DESC"
		}
		b.order = append(b.order, col)
		return nil
	})
}

// Limit caps the number of rows returned.
func Limit(n int) Filter {
	return filterFunc(func(b *queryBuilder) error {
		if n <= 0 {
			return fmt.Errorf("limit must be positive, got %d", n)
		}
		b.limit = n
		return nil
	})
}

// queryBuilder builds a SELECT over one table from filters.
type queryBuilder struct {
	t           *table
	conditions  []string
	args        []interface{}
	order       []string
	limit       int
	withDeleted bool
}

func newQueryBuilder(t *table, filters []Filter) (*queryBuilder, error) {
	b := &queryBuilder{t: t}
	for _, f := range filters {
		if f == nil {
			continue
		}
		if err := f.apply(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *queryBuilder) where(cond string, args ...interface{}) {
	b.conditions = append(b.conditions, cond)
	b.args = append(b.args, args...)
}

// column resolves a filterable column: a business column, id or a timestamp.
func (b *queryBuilder) column(name string) (string, schema.Column, error) {
	switch name {
	case schema.ColumnID:
		return quote(name), schema.Column{Name: name, Type: schema.TypeString}, nil
	case schema.ColumnCreatedAt, schema.ColumnUpdatedAt:
		return quote(name), schema.Column{Name: name, Type: schema.TypeNumber}, nil
	}
	c, ok := b.t.columns[name]
	if !ok {
		return "", schema.Column{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, b.t.Name, name)
	}
	return quote(name), c, nil
}

// operand resolves column and encodes value for comparison against it.
func (b *queryBuilder) operand(name string, value interface{}) (string, interface{}, error) {
	col, c, err := b.column(name)
	if err != nil {
		return "", nil, err
	}
	if value == nil {
		return col, nil, nil
	}
	c.Optional = true
	v, err := encodeValue(c, value)
	if err != nil {
		return "", nil, fmt.Errorf("%s.%s: %w", b.t.Name, name, err)
	}
	return col, v, nil
}

// Build returns the SELECT statement and its arguments.
func (b *queryBuilder) Build() (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", b.t.selectList, b.t.ident())

	conds := b.conditions
	if !b.withDeleted {
		conds = append([]string{quote(schema.ColumnDeleted) + " = 0"}, conds...)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	order := b.order
	if len(order) == 0 {
		order = []string{quote(schema.ColumnCreatedAt), quote(schema.ColumnID)}
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))

	if b.limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", b.limit)
	}
	return sb.String(), b.args
}
