package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"margin/api/internal/domain"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *log.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	curator, ok := s.requireCurator(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}

		payload, err := s.service.Search(r.Context(), q, filterType, curator.String(), limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/fields" {
		switch r.Method {
		case http.MethodGet:
			fields, err := s.service.ListFields(r.Context(), curator)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			items := make([]map[string]any, 0, len(fields))
			for _, field := range fields {
				items = append(items, fieldPayload(field))
			}
			writeJSON(w, http.StatusOK, map[string]any{"fields": items})
			return
		case http.MethodPost:
			var body struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				Definition  DefinitionInput `json:"definition"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			field, err := s.service.CreateField(r.Context(), curator, body.Name, body.Description, body.Definition)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"field": fieldPayload(field)})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/templates" {
		switch r.Method {
		case http.MethodGet:
			templates, err := s.service.ListTemplates(r.Context(), curator)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			items := make([]map[string]any, 0, len(templates))
			for _, template := range templates {
				items = append(items, templatePayload(template))
			}
			writeJSON(w, http.StatusOK, map[string]any{"templates": items})
			return
		case http.MethodPost:
			var body struct {
				Name        string               `json:"name"`
				Description string               `json:"description"`
				Fields      []TemplateFieldInput `json:"fields"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			template, err := s.service.CreateTemplate(r.Context(), curator, body.Name, body.Description, body.Fields)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"template": templatePayload(template)})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/annotations" {
		switch r.Method {
		case http.MethodGet:
			subject := strings.TrimSpace(r.URL.Query().Get("subject"))
			if subject == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "subject query parameter is required", nil)
				return
			}
			annotations, err := s.service.ListAnnotationsBySubject(r.Context(), curator, subject)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			items := make([]map[string]any, 0, len(annotations))
			for _, annotation := range annotations {
				items = append(items, annotationPayload(annotation))
			}
			writeJSON(w, http.StatusOK, map[string]any{"annotations": items})
			return
		case http.MethodPost:
			var body struct {
				SubjectURL string   `json:"subjectUrl"`
				FieldID    string   `json:"fieldId"`
				Value      ValueDTO `json:"value"`
				Note       string   `json:"note"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			fieldID, err := domain.ParseAnnotationFieldID(body.FieldID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			annotation, err := s.service.CreateAnnotation(r.Context(), curator, body.SubjectURL, fieldID, body.Value, body.Note)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"annotation": annotationPayload(annotation)})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "fields" {
		s.handleField(w, r, curator, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "templates" {
		s.handleTemplate(w, r, curator, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "annotations" {
		s.handleAnnotation(w, r, curator, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleField(w http.ResponseWriter, r *http.Request, curator domain.CuratorID, parts []string) {
	id, err := domain.ParseAnnotationFieldID(parts[2])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(parts) == 4 && parts[3] == "publish" && r.Method == http.MethodPost {
		field, warning, err := s.service.PublishField(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := map[string]any{"field": fieldPayload(field)}
		if warning != nil {
			payload["warning"] = warning
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		field, err := s.service.GetField(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"field": fieldPayload(field)})
		return
	case http.MethodPut:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		field, err := s.service.UpdateField(r.Context(), curator, id, body.Name, body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"field": fieldPayload(field)})
		return
	case http.MethodDelete:
		warning, err := s.service.DeleteField(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, deletePayload(warning))
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleTemplate(w http.ResponseWriter, r *http.Request, curator domain.CuratorID, parts []string) {
	id, err := domain.ParseAnnotationTemplateID(parts[2])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(parts) == 4 && parts[3] == "publish" && r.Method == http.MethodPost {
		template, warnings, err := s.service.PublishTemplate(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := map[string]any{"template": templatePayload(template)}
		if len(warnings) > 0 {
			payload["warnings"] = warnings
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "annotate" && r.Method == http.MethodPost {
		var body struct {
			SubjectURL string            `json:"subjectUrl"`
			Entries    []BatchEntryInput `json:"entries"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		batch, err := s.service.AnnotateFromTemplate(r.Context(), curator, id, body.SubjectURL, body.Entries)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		items := make([]map[string]any, 0, len(batch.Annotations()))
		for _, annotation := range batch.Annotations() {
			items = append(items, annotationPayload(annotation))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"annotations": items})
		return
	}

	if len(parts) == 4 && parts[3] == "publish-batch" && r.Method == http.MethodPost {
		var body struct {
			SubjectURL string `json:"subjectUrl"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.PublishBatch(r.Context(), curator, id, body.SubjectURL)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		annotations := make(map[string]map[string]any, len(result.Annotations))
		for annotationID, ref := range result.Annotations {
			annotations[annotationID.String()] = refPayload(ref)
		}
		payload := map[string]any{
			"template":    refPayload(result.Template),
			"annotations": annotations,
		}
		if len(result.Warnings) > 0 {
			payload["warnings"] = result.Warnings
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		template, err := s.service.GetTemplate(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"template": templatePayload(template)})
		return
	case http.MethodPut:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		template, err := s.service.UpdateTemplate(r.Context(), curator, id, body.Name, body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"template": templatePayload(template)})
		return
	case http.MethodDelete:
		warning, err := s.service.DeleteTemplate(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, deletePayload(warning))
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, curator domain.CuratorID, parts []string) {
	id, err := domain.ParseAnnotationID(parts[2])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(parts) == 4 && parts[3] == "publish" && r.Method == http.MethodPost {
		annotation, warnings, err := s.service.PublishAnnotation(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := map[string]any{"annotation": annotationPayload(annotation)}
		if len(warnings) > 0 {
			payload["warnings"] = warnings
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		annotation, err := s.service.GetAnnotation(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotationPayload(annotation)})
		return
	case http.MethodPut:
		var body struct {
			Value *ValueDTO `json:"value"`
			Note  *string   `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		annotation, err := s.service.UpdateAnnotation(r.Context(), curator, id, body.Value, body.Note)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotationPayload(annotation)})
		return
	case http.MethodDelete:
		warning, err := s.service.DeleteAnnotation(r.Context(), curator, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, deletePayload(warning))
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// requireCurator resolves the acting curator from the X-Margin-Curator-DID
// header. The gateway in front of this service authenticates the DID; here it
// only has to be well-formed.
func (s *HTTPServer) requireCurator(w http.ResponseWriter, r *http.Request) (domain.CuratorID, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-Margin-Curator-DID"))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	curator, err := domain.NewCuratorID(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return curator, true
}

// ---- payloads ----

func fieldPayload(field *domain.AnnotationField) map[string]any {
	payload := map[string]any{
		"id":          field.ID().String(),
		"curatorDid":  field.CuratorID().String(),
		"name":        field.Name().String(),
		"description": field.Description(),
		"definition":  definitionPayload(field.Definition()),
		"createdAt":   field.CreatedAt().UTC().Format(time.RFC3339),
		"published":   field.IsPublished(),
	}
	if ref, ok := field.PublishedRecordID(); ok {
		payload["publishedRecordId"] = refPayload(ref)
	}
	return payload
}

func templatePayload(template *domain.AnnotationTemplate) map[string]any {
	fields := make([]map[string]any, 0, len(template.Fields()))
	for _, tf := range template.Fields() {
		fields = append(fields, map[string]any{
			"fieldId":  tf.FieldID.String(),
			"required": tf.Required,
		})
	}
	payload := map[string]any{
		"id":          template.ID().String(),
		"curatorDid":  template.CuratorID().String(),
		"name":        template.Name().String(),
		"description": template.Description(),
		"fields":      fields,
		"createdAt":   template.CreatedAt().UTC().Format(time.RFC3339),
		"published":   template.IsPublished(),
	}
	if ref, ok := template.PublishedRecordID(); ok {
		payload["publishedRecordId"] = refPayload(ref)
	}
	return payload
}

func annotationPayload(annotation *domain.Annotation) map[string]any {
	payload := map[string]any{
		"id":         annotation.ID().String(),
		"curatorDid": annotation.CuratorID().String(),
		"subjectUrl": annotation.Subject().String(),
		"fieldId":    annotation.FieldID().String(),
		"value":      valuePayload(annotation.Value()),
		"createdAt":  annotation.CreatedAt().UTC().Format(time.RFC3339),
		"published":  annotation.IsPublished(),
	}
	if !annotation.Note().IsZero() {
		payload["note"] = annotation.Note().String()
	}
	if templateID, ok := annotation.TemplateID(); ok {
		payload["templateId"] = templateID.String()
	}
	if ref, ok := annotation.PublishedRecordID(); ok {
		payload["publishedRecordId"] = refPayload(ref)
	}
	return payload
}

func refPayload(ref domain.PublishedRecordID) map[string]any {
	return map[string]any{"uri": ref.URI, "cid": ref.CID}
}

func definitionPayload(def domain.FieldDefinition) map[string]any {
	kind, raw, err := domain.MarshalDefinition(def)
	if err != nil {
		return map[string]any{"kind": string(def.Kind())}
	}
	return kindedPayload(kind, raw)
}

func valuePayload(value domain.AnnotationValue) map[string]any {
	kind, raw, err := domain.MarshalValue(value)
	if err != nil {
		return map[string]any{"kind": string(value.Kind())}
	}
	return kindedPayload(kind, raw)
}

func kindedPayload(kind string, raw []byte) map[string]any {
	payload := map[string]any{}
	_ = json.Unmarshal(raw, &payload)
	payload["kind"] = kind
	return payload
}

func deletePayload(warning *ReconciliationWarning) map[string]any {
	payload := map[string]any{"ok": true}
	if warning != nil {
		payload["warning"] = warning
	}
	return payload
}

// ---- middleware and helpers ----

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Margin-Curator-DID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, "NOT_FOUND", notFound.Error(), nil
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), nil
	}
	var value *domain.ValueError
	if errors.As(err, &value) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", value.Error(), map[string]any{
			"kind":   string(value.Kind),
			"reason": string(value.Reason),
		}
	}
	var publish *PublishError
	if errors.As(err, &publish) {
		return http.StatusBadGateway, "PUBLISH_FAILED", publish.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
