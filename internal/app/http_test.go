package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	server := NewHTTPServer(env.service, "*", env.service.logger)
	return env, server.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, curator string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if curator != "" {
		req.Header.Set("X-Margin-Curator-DID", curator)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doRequest(t, handler, http.MethodGet, "/api/health", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestMissingCuratorHeaderIsUnauthorized(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doRequest(t, handler, http.MethodGet, "/api/fields", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestMalformedCuratorHeaderIsUnauthorized(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doRequest(t, handler, http.MethodGet, "/api/fields", nil, "alice")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestFieldLifecycleOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)
	curator := string(testCurator)

	recorder := doRequest(t, handler, http.MethodPost, "/api/fields", map[string]any{
		"name":        "Pace",
		"description": "How the piece moves",
		"definition":  map[string]any{"kind": "dyad", "sideA": "boring", "sideB": "thrilling"},
	}, curator)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeResponse(t, recorder)["field"].(map[string]any)
	fieldID := created["id"].(string)
	definition := created["definition"].(map[string]any)
	if definition["kind"] != "dyad" || definition["sideA"] != "boring" {
		t.Fatalf("unexpected definition payload: %v", definition)
	}
	if created["published"] != false {
		t.Fatal("fresh field should not be published")
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/fields", nil, curator)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	fields := decodeResponse(t, recorder)["fields"].([]any)
	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/fields/"+fieldID+"/publish", nil, curator)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	published := decodeResponse(t, recorder)["field"].(map[string]any)
	if published["published"] != true {
		t.Fatal("field should report published after publish")
	}
	if _, ok := published["publishedRecordId"]; !ok {
		t.Fatal("published field should expose its record id")
	}

	recorder = doRequest(t, handler, http.MethodDelete, "/api/fields/"+fieldID, nil, curator)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/fields/"+fieldID, nil, curator)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestCreateFieldValidationOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doRequest(t, handler, http.MethodPost, "/api/fields", map[string]any{
		"name":       "Pace",
		"definition": map[string]any{"kind": "dyad", "sideA": "boring"},
	}, string(testCurator))
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code %v", payload["code"])
	}
}

func TestAnnotationValueValidationOverHTTP(t *testing.T) {
	env, handler := newTestServer(t)
	curator := string(testCurator)
	field, err := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	recorder := doRequest(t, handler, http.MethodPost, "/api/annotations", map[string]any{
		"subjectUrl": "https://example.com/article",
		"fieldId":    field.ID().String(),
		"value":      map[string]any{"rating": 9},
	}, curator)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range rating, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/annotations", map[string]any{
		"subjectUrl": "https://example.com/article",
		"fieldId":    field.ID().String(),
		"value":      map[string]any{"rating": 4},
		"note":       "solid",
	}, curator)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	annotation := decodeResponse(t, recorder)["annotation"].(map[string]any)
	if annotation["note"] != "solid" {
		t.Fatalf("unexpected note %v", annotation["note"])
	}
	value := annotation["value"].(map[string]any)
	if value["kind"] != "rating" || value["rating"] != float64(4) {
		t.Fatalf("unexpected value payload: %v", value)
	}
}

func TestListAnnotationsRequiresSubject(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doRequest(t, handler, http.MethodGet, "/api/annotations", nil, string(testCurator))
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestCuratorIsolationOverHTTP(t *testing.T) {
	env, handler := newTestServer(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	recorder := doRequest(t, handler, http.MethodGet, "/api/fields/"+field.ID().String(), nil, "did:plc:mallory1")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("foreign curator should get 404, got %d", recorder.Code)
	}
}

func TestTemplateBatchOverHTTP(t *testing.T) {
	env, handler := newTestServer(t)
	curator := string(testCurator)
	pace, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	stars, err := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	recorder := doRequest(t, handler, http.MethodPost, "/api/templates", map[string]any{
		"name": "Review",
		"fields": []map[string]any{
			{"fieldId": pace.ID().String(), "required": true},
			{"fieldId": stars.ID().String(), "required": false},
		},
	}, curator)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	templateID := decodeResponse(t, recorder)["template"].(map[string]any)["id"].(string)

	recorder = doRequest(t, handler, http.MethodPost, "/api/templates/"+templateID+"/annotate", map[string]any{
		"subjectUrl": "https://example.com/article",
		"entries": []map[string]any{
			{"fieldId": pace.ID().String(), "value": map[string]any{"value": 0.7}},
			{"fieldId": stars.ID().String(), "value": map[string]any{"rating": 4}},
		},
	}, curator)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	annotations := decodeResponse(t, recorder)["annotations"].([]any)
	if len(annotations) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(annotations))
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/templates/"+templateID+"/publish-batch", map[string]any{
		"subjectUrl": "https://example.com/article",
	}, curator)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if _, ok := payload["template"].(map[string]any); !ok {
		t.Fatalf("expected template ref in payload: %v", payload)
	}
	refs := payload["annotations"].(map[string]any)
	if len(refs) != 2 {
		t.Fatalf("expected 2 annotation refs, got %d", len(refs))
	}
}

