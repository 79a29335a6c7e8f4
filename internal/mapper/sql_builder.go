package mapper

import (
	"fmt"
	"strings"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

// UpdateBuilder assembles a Postgres UPDATE over a fixed set of allowed columns.
// Columns outside the whitelist are rejected, so caller data never becomes SQL text
type UpdateBuilder struct {
	table   string
	allowed map[string]bool
	sets    []string
	args    []any
}

func NewUpdateBuilder(table string, allowed ...string) *UpdateBuilder {
	b := &UpdateBuilder{
		table:   table,
		allowed: make(map[string]bool, len(allowed)),
	}
	for _, c := range allowed {
		b.allowed[c] = true
	}
	return b
}

// Set assigns a column. It panics on columns outside the whitelist: that is a programming error
func (b *UpdateBuilder) Set(column string, value any) *UpdateBuilder {
	if !b.allowed[column] {
		panic(fmt.Sprintf("mapper: column %s is not updatable on %s", column, b.table))
	}
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
	return b
}

// SetRaw appends an expression that takes no argument, e.g. updated_at = CURRENT_TIMESTAMP
func (b *UpdateBuilder) SetRaw(column, expr string) *UpdateBuilder {
	if !b.allowed[column] {
		panic(fmt.Sprintf("mapper: column %s is not updatable on %s", column, b.table))
	}
	b.sets = append(b.sets, fmt.Sprintf("%s = %s", column, expr))
	return b
}

// Empty reports whether no argument-bearing column was set
func (b *UpdateBuilder) Empty() bool {
	return len(b.args) == 0
}

// Build renders the statement. where columns are matched with = against whereArgs, in order
func (b *UpdateBuilder) Build(whereColumns []string, whereArgs []any, returning string) (string, []any, error) {
	if len(b.sets) == 0 {
		return "", nil, fmt.Errorf("no columns to update on table %s", b.table)
	}
	if len(whereColumns) != len(whereArgs) || len(whereColumns) == 0 {
		return "", nil, fmt.Errorf("invalid where clause for table %s", b.table)
	}

	args := append([]any{}, b.args...)
	conds := make([]string, 0, len(whereColumns))
	for i, c := range whereColumns {
		args = append(args, whereArgs[i])
		conds = append(conds, fmt.Sprintf("%s = $%d", c, len(args)))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		b.table,
		strings.Join(b.sets, ", "),
		strings.Join(conds, " AND "),
	)
	if returning != "" {
		query += " RETURNING " + returning
	}

	return query, args, nil
}

var taskColumns = []string{
	"title", "description", "completed", "due_date", "start_time", "end_time",
	"priority", "updated_by", "updated_at",
}

// TaskUpdateBuilder maps every non-nil TaskUpdate field to its column, in declaration order
func TaskUpdateBuilder(u models.TaskUpdate) *UpdateBuilder {
	b := NewUpdateBuilder(models.TasksTable, taskColumns...)

	if u.Title != nil {
		b.Set("title", *u.Title)
	}
	if u.Description != nil {
		b.Set("description", *u.Description)
	}
	if u.Completed != nil {
		b.Set("completed", *u.Completed)
	}
	if u.DueDate != nil {
		b.Set("due_date", *u.DueDate)
	}
	if u.StartTime != nil {
		b.Set("start_time", *u.StartTime)
	}
	if u.EndTime != nil {
		b.Set("end_time", *u.EndTime)
	}
	if u.Priority != nil {
		b.Set("priority", *u.Priority)
	}
	if u.UpdatedBy != nil {
		b.Set("updated_by", *u.UpdatedBy)
	}

	if !b.Empty() {
		b.SetRaw("updated_at", "CURRENT_TIMESTAMP")
	}
	return b
}

var eventColumns = []string{
	"title", "description", "start_date", "end_date", "all_day", "location",
	"color", "updated_by", "updated_at",
}

// EventUpdateBuilder is TaskUpdateBuilder for events. id, user_id and created_by are never updatable
func EventUpdateBuilder(u models.EventUpdate) *UpdateBuilder {
	b := NewUpdateBuilder(models.EventsTable, eventColumns...)

	if u.Title != nil {
		b.Set("title", *u.Title)
	}
	if u.Description != nil {
		b.Set("description", *u.Description)
	}
	if u.StartDate != nil {
		b.Set("start_date", *u.StartDate)
	}
	if u.EndDate != nil {
		b.Set("end_date", *u.EndDate)
	}
	if u.AllDay != nil {
		b.Set("all_day", *u.AllDay)
	}
	if u.Location != nil {
		b.Set("location", *u.Location)
	}
	if u.Color != nil {
		b.Set("color", *u.Color)
	}
	if u.UpdatedBy != nil {
		b.Set("updated_by", *u.UpdatedBy)
	}

	if !b.Empty() {
		b.SetRaw("updated_at", "CURRENT_TIMESTAMP")
	}
	return b
}
