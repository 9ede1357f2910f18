package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"margin/api/internal/domain"
)

// PostgresStore implements the repository ports for all three aggregates on
// top of raw SQL. Polymorphic definitions and values are stored as a
// discriminator column plus a JSONB payload; StrongRefs live in
// published_records behind a nullable foreign key.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// upsertPublishedRecord stores a StrongRef and returns its row id. The
// (uri, cid) pair is unique; republishes insert a new row because the cid
// changes.
func upsertPublishedRecord(ctx context.Context, tx *sql.Tx, ref *domain.PublishedRecordID) (sql.NullInt64, error) {
	if ref == nil {
		return sql.NullInt64{}, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO published_records (uri, cid)
		VALUES ($1, $2)
		ON CONFLICT (uri, cid) DO UPDATE SET uri = EXCLUDED.uri
		RETURNING id
	`, ref.URI, ref.CID).Scan(&id)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("upsert published record: %w", err)
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

func refFromNullable(uri, cid sql.NullString) *domain.PublishedRecordID {
	if !uri.Valid || !cid.Valid {
		return nil
	}
	return &domain.PublishedRecordID{URI: uri.String, CID: cid.String}
}

// ---- AnnotationField ----

const fieldColumns = `
	f.id, f.curator_did, f.name, f.description,
	f.definition_kind, f.definition_payload, f.created_at,
	pr.uri, pr.cid
`

const fieldFrom = `
	FROM annotation_fields f
	LEFT JOIN published_records pr ON pr.id = f.published_record_id
`

func (s *PostgresStore) scanField(row interface{ Scan(...any) error }) (*domain.AnnotationField, error) {
	var (
		id, curatorDID, name, description string
		definitionKind                    string
		definitionPayload                 []byte
		createdAt                         sql.NullTime
		uri, cid                          sql.NullString
	)
	if err := row.Scan(&id, &curatorDID, &name, &description, &definitionKind, &definitionPayload, &createdAt, &uri, &cid); err != nil {
		return nil, err
	}
	definition, err := domain.UnmarshalDefinition(definitionKind, definitionPayload)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", id, err)
	}
	field, err := domain.RestoreAnnotationField(domain.AnnotationFieldID(id), domain.AnnotationFieldProps{
		CuratorID:         domain.CuratorID(curatorDID),
		Name:              domain.Name(name),
		Description:       description,
		Definition:        definition,
		CreatedAt:         createdAt.Time,
		PublishedRecordID: refFromNullable(uri, cid),
	})
	if err != nil {
		return nil, fmt.Errorf("restore field %s: %w", id, err)
	}
	return field, nil
}

func (s *PostgresStore) FindFieldByID(ctx context.Context, id domain.AnnotationFieldID) (*domain.AnnotationField, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fieldColumns+fieldFrom+` WHERE f.id = $1`, id.String())
	field, err := s.scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find field by id: %w", err)
	}
	return field, nil
}

func (s *PostgresStore) FindFieldByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.AnnotationField, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fieldColumns+fieldFrom+` WHERE pr.uri = $1 AND pr.cid = $2`, ref.URI, ref.CID)
	field, err := s.scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find field by record: %w", err)
	}
	return field, nil
}

func (s *PostgresStore) FindFieldByName(ctx context.Context, curator domain.CuratorID, name string) (*domain.AnnotationField, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fieldColumns+fieldFrom+` WHERE f.curator_did = $1 AND f.name = $2`, curator.String(), name)
	field, err := s.scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find field by name: %w", err)
	}
	return field, nil
}

func (s *PostgresStore) ListFieldsByCurator(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationField, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fieldColumns+fieldFrom+` WHERE f.curator_did = $1 ORDER BY f.created_at`, curator.String())
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var fields []*domain.AnnotationField
	for rows.Next() {
		field, err := s.scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("list fields: %w", err)
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

func (s *PostgresStore) SaveField(ctx context.Context, field *domain.AnnotationField) error {
	kind, payload, err := domain.MarshalDefinition(field.Definition())
	if err != nil {
		return err
	}
	var ref *domain.PublishedRecordID
	if current, ok := field.PublishedRecordID(); ok {
		ref = &current
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save field: %w", err)
	}
	defer tx.Rollback()

	recordID, err := upsertPublishedRecord(ctx, tx, ref)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_fields (id, curator_did, name, description, definition_kind, definition_payload, created_at, published_record_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			definition_kind = EXCLUDED.definition_kind,
			definition_payload = EXCLUDED.definition_payload,
			published_record_id = EXCLUDED.published_record_id
	`, field.ID().String(), field.CuratorID().String(), field.Name().String(), field.Description(), kind, payload, field.CreatedAt(), recordID); err != nil {
		return fmt.Errorf("save field: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteField(ctx context.Context, id domain.AnnotationFieldID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotation_fields WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("delete field: %w", err)
	}
	return nil
}

// ---- AnnotationTemplate ----

const templateColumns = `
	t.id, t.curator_did, t.name, t.description, t.created_at,
	pr.uri, pr.cid
`

const templateFrom = `
	FROM annotation_templates t
	LEFT JOIN published_records pr ON pr.id = t.published_record_id
`

func (s *PostgresStore) scanTemplate(ctx context.Context, row interface{ Scan(...any) error }) (*domain.AnnotationTemplate, error) {
	var (
		id, curatorDID, name, description string
		createdAt                         sql.NullTime
		uri, cid                          sql.NullString
	)
	if err := row.Scan(&id, &curatorDID, &name, &description, &createdAt, &uri, &cid); err != nil {
		return nil, err
	}

	fieldRows, err := s.db.QueryContext(ctx, `
		SELECT field_id, required FROM template_fields
		WHERE template_id = $1 ORDER BY sort_order
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load template fields: %w", err)
	}
	defer fieldRows.Close()

	var fields []domain.TemplateField
	for fieldRows.Next() {
		var fieldID string
		var required bool
		if err := fieldRows.Scan(&fieldID, &required); err != nil {
			return nil, fmt.Errorf("scan template field: %w", err)
		}
		fields = append(fields, domain.TemplateField{FieldID: domain.AnnotationFieldID(fieldID), Required: required})
	}
	if err := fieldRows.Err(); err != nil {
		return nil, err
	}

	template, err := domain.RestoreAnnotationTemplate(domain.AnnotationTemplateID(id), domain.AnnotationTemplateProps{
		CuratorID:         domain.CuratorID(curatorDID),
		Name:              domain.Name(name),
		Description:       description,
		Fields:            fields,
		CreatedAt:         createdAt.Time,
		PublishedRecordID: refFromNullable(uri, cid),
	})
	if err != nil {
		return nil, fmt.Errorf("restore template %s: %w", id, err)
	}
	return template, nil
}

func (s *PostgresStore) FindTemplateByID(ctx context.Context, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+templateFrom+` WHERE t.id = $1`, id.String())
	template, err := s.scanTemplate(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template by id: %w", err)
	}
	return template, nil
}

func (s *PostgresStore) FindTemplateByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.AnnotationTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+templateFrom+` WHERE pr.uri = $1 AND pr.cid = $2`, ref.URI, ref.CID)
	template, err := s.scanTemplate(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template by record: %w", err)
	}
	return template, nil
}

func (s *PostgresStore) FindTemplateByName(ctx context.Context, curator domain.CuratorID, name string) (*domain.AnnotationTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+templateFrom+` WHERE t.curator_did = $1 AND t.name = $2`, curator.String(), name)
	template, err := s.scanTemplate(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template by name: %w", err)
	}
	return template, nil
}

func (s *PostgresStore) ListTemplatesByCurator(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t.id FROM annotation_templates t WHERE t.curator_did = $1 ORDER BY t.created_at`, curator.String())
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var ids []domain.AnnotationTemplateID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
		ids = append(ids, domain.AnnotationTemplateID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	templates := make([]*domain.AnnotationTemplate, 0, len(ids))
	for _, id := range ids {
		template, err := s.FindTemplateByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if template != nil {
			templates = append(templates, template)
		}
	}
	return templates, nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, template *domain.AnnotationTemplate) error {
	var ref *domain.PublishedRecordID
	if current, ok := template.PublishedRecordID(); ok {
		ref = &current
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save template: %w", err)
	}
	defer tx.Rollback()

	recordID, err := upsertPublishedRecord(ctx, tx, ref)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_templates (id, curator_did, name, description, created_at, published_record_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			published_record_id = EXCLUDED.published_record_id
	`, template.ID().String(), template.CuratorID().String(), template.Name().String(), template.Description(), template.CreatedAt(), recordID); err != nil {
		return fmt.Errorf("save template: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_fields WHERE template_id = $1`, template.ID().String()); err != nil {
		return fmt.Errorf("clear template fields: %w", err)
	}
	for order, tf := range template.Fields() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_fields (template_id, field_id, required, sort_order)
			VALUES ($1, $2, $3, $4)
		`, template.ID().String(), tf.FieldID.String(), tf.Required, order); err != nil {
			return fmt.Errorf("save template field: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id domain.AnnotationTemplateID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotation_templates WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// ---- Annotation ----

const annotationColumns = `
	a.id, a.curator_did, a.subject_url, a.field_id,
	a.value_kind, a.value_payload, a.note, a.created_at,
	pr.uri, pr.cid, l.template_id,
	f.definition_kind, f.definition_payload
`

const annotationFrom = `
	FROM annotations a
	JOIN annotation_fields f ON f.id = a.field_id
	LEFT JOIN published_records pr ON pr.id = a.published_record_id
	LEFT JOIN annotation_template_links l ON l.annotation_id = a.id
`

func (s *PostgresStore) scanAnnotation(row interface{ Scan(...any) error }) (*domain.Annotation, error) {
	var (
		id, curatorDID, subjectURL, fieldID string
		valueKind, note                     string
		valuePayload                        []byte
		createdAt                           sql.NullTime
		uri, cid, templateID                sql.NullString
		definitionKind                      string
		definitionPayload                   []byte
	)
	if err := row.Scan(&id, &curatorDID, &subjectURL, &fieldID, &valueKind, &valuePayload, &note, &createdAt, &uri, &cid, &templateID, &definitionKind, &definitionPayload); err != nil {
		return nil, err
	}

	definition, err := domain.UnmarshalDefinition(definitionKind, definitionPayload)
	if err != nil {
		return nil, fmt.Errorf("annotation %s field definition: %w", id, err)
	}
	value, err := domain.UnmarshalValue(definition, valueKind, valuePayload)
	if err != nil {
		return nil, fmt.Errorf("annotation %s value: %w", id, err)
	}

	props := domain.AnnotationProps{
		CuratorID:         domain.CuratorID(curatorDID),
		Subject:           domain.SubjectURI(subjectURL),
		FieldID:           domain.AnnotationFieldID(fieldID),
		Value:             value,
		Note:              domain.AnnotationNote(note),
		CreatedAt:         createdAt.Time,
		PublishedRecordID: refFromNullable(uri, cid),
	}
	if templateID.Valid {
		ref := domain.AnnotationTemplateID(templateID.String)
		props.TemplateID = &ref
	}
	annotation, err := domain.RestoreAnnotation(domain.AnnotationID(id), props)
	if err != nil {
		return nil, fmt.Errorf("restore annotation %s: %w", id, err)
	}
	return annotation, nil
}

func (s *PostgresStore) FindAnnotationByID(ctx context.Context, id domain.AnnotationID) (*domain.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+annotationFrom+` WHERE a.id = $1`, id.String())
	annotation, err := s.scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find annotation by id: %w", err)
	}
	return annotation, nil
}

func (s *PostgresStore) FindAnnotationByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+annotationFrom+` WHERE pr.uri = $1 AND pr.cid = $2`, ref.URI, ref.CID)
	annotation, err := s.scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find annotation by record: %w", err)
	}
	return annotation, nil
}

func (s *PostgresStore) ListAnnotationsBySubject(ctx context.Context, curator domain.CuratorID, subject domain.SubjectURI) ([]*domain.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+annotationFrom+` WHERE a.curator_did = $1 AND a.subject_url = $2 ORDER BY a.created_at`, curator.String(), subject.String())
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []*domain.Annotation
	for rows.Next() {
		annotation, err := s.scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
		annotations = append(annotations, annotation)
	}
	return annotations, rows.Err()
}

func (s *PostgresStore) SaveAnnotation(ctx context.Context, annotation *domain.Annotation) error {
	kind, payload, err := domain.MarshalValue(annotation.Value())
	if err != nil {
		return err
	}
	var ref *domain.PublishedRecordID
	if current, ok := annotation.PublishedRecordID(); ok {
		ref = &current
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save annotation: %w", err)
	}
	defer tx.Rollback()

	recordID, err := upsertPublishedRecord(ctx, tx, ref)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotations (id, curator_did, subject_url, field_id, value_kind, value_payload, note, created_at, published_record_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			value_kind = EXCLUDED.value_kind,
			value_payload = EXCLUDED.value_payload,
			note = EXCLUDED.note,
			published_record_id = EXCLUDED.published_record_id
	`, annotation.ID().String(), annotation.CuratorID().String(), annotation.Subject().String(), annotation.FieldID().String(), kind, payload, annotation.Note().String(), annotation.CreatedAt(), recordID); err != nil {
		return fmt.Errorf("save annotation: %w", err)
	}

	if templateID, ok := annotation.TemplateID(); ok {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO annotation_template_links (annotation_id, template_id)
			VALUES ($1, $2)
			ON CONFLICT (annotation_id) DO UPDATE SET template_id = EXCLUDED.template_id
		`, annotation.ID().String(), templateID.String()); err != nil {
			return fmt.Errorf("save annotation template link: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_template_links WHERE annotation_id = $1`, annotation.ID().String()); err != nil {
			return fmt.Errorf("clear annotation template link: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id domain.AnnotationID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	return nil
}
