package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across fields, templates, and annotations
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Fields sub-query
	if q.FilterType == "" || q.FilterType == ResultField {
		where := fmt.Sprintf("to_tsvector('english', f.name || ' ' || f.description) @@ %s", tsQuery)
		if q.FilterCurator != "" {
			where += fmt.Sprintf(" AND f.curator_did = $%d", argN)
			args = append(args, q.FilterCurator)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'field'::text AS type, f.id, f.name AS title,
				ts_headline('english', coalesce(f.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS subject_url, f.curator_did,
				ts_rank(to_tsvector('english', f.name || ' ' || f.description), %s) AS rank
			FROM annotation_fields f
			WHERE %s`, tsQuery, tsQuery, where))
	}

	// Templates sub-query
	if q.FilterType == "" || q.FilterType == ResultTemplate {
		where := fmt.Sprintf("to_tsvector('english', t.name || ' ' || t.description) @@ %s", tsQuery)
		if q.FilterCurator != "" {
			where += fmt.Sprintf(" AND t.curator_did = $%d", argN)
			args = append(args, q.FilterCurator)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'template'::text AS type, t.id, t.name AS title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS subject_url, t.curator_did,
				ts_rank(to_tsvector('english', t.name || ' ' || t.description), %s) AS rank
			FROM annotation_templates t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	// Annotations sub-query
	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		where := fmt.Sprintf("to_tsvector('english', a.note || ' ' || a.subject_url || ' ' || f.name) @@ %s", tsQuery)
		if q.FilterCurator != "" {
			where += fmt.Sprintf(" AND a.curator_did = $%d", argN)
			args = append(args, q.FilterCurator)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id, f.name AS title,
				ts_headline('english', coalesce(a.note, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.subject_url, a.curator_did,
				ts_rank(to_tsvector('english', a.note || ' ' || a.subject_url || ' ' || f.name), %s) AS rank
			FROM annotations a
			JOIN annotation_fields f ON f.id = a.field_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, subject_url, curator_did
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SubjectURL, &r.CuratorDID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FieldRecord, []TemplateRecord, []AnnotationRecord, error) {
	fieldRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, curator_did, definition_kind
		FROM annotation_fields
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load fields: %w", err)
	}
	defer fieldRows.Close()

	fields := make([]FieldRecord, 0)
	for fieldRows.Next() {
		var f FieldRecord
		if err := fieldRows.Scan(&f.ID, &f.Name, &f.Description, &f.CuratorDID, &f.Kind); err != nil {
			return nil, nil, nil, fmt.Errorf("scan field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := fieldRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate fields: %w", err)
	}

	templateRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, curator_did
		FROM annotation_templates
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load templates: %w", err)
	}
	defer templateRows.Close()

	templates := make([]TemplateRecord, 0)
	for templateRows.Next() {
		var t TemplateRecord
		if err := templateRows.Scan(&t.ID, &t.Name, &t.Description, &t.CuratorDID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := templateRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate templates: %w", err)
	}

	annotationRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.subject_url, a.note, f.name, a.curator_did
		FROM annotations a
		JOIN annotation_fields f ON f.id = a.field_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annotationRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annotationRows.Next() {
		var a AnnotationRecord
		if err := annotationRows.Scan(&a.ID, &a.SubjectURL, &a.Note, &a.FieldName, &a.CuratorDID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annotationRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return fields, templates, annotations, nil
}
