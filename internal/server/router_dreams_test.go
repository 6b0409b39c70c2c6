package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/somnia/internal/journal"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestHandleCreateDreamRejectsMissingIdempotencyKey(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Set(userIDContextKey, "user-1")

	body := `{"dream":{"id":1755000000000,"title":"night flight"}}`
	request := httptest.NewRequest(http.MethodPost, "/api/v1/dreams", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	context.Request = request

	handler := &httpHandler{
		journal: &journal.Service{},
		events:  NewEventDispatcher(),
		logger:  zap.NewNop(),
	}

	handler.handleCreateDream(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"missing_idempotency_key"}`
	if recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestHandleCreateDreamAcceptsKeyFromBody(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Set(userIDContextKey, "user-1")

	body := `{"dream":{"id":1755000000000,"clientRequestId":"dream-1755000000000","title":"night flight"}}`
	request := httptest.NewRequest(http.MethodPost, "/api/v1/dreams", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	context.Request = request

	handler := &httpHandler{
		journal: &journal.Service{},
		events:  NewEventDispatcher(),
		logger:  zap.NewNop(),
	}

	handler.handleCreateDream(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "journal.create_dream.missing_database" {
		testContext.Fatalf("expected service error code, got %v", payload["code"])
	}
}

func TestHandleCreateDreamRequiresAuthenticatedUser(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)

	body := `{"dream":{"id":1755000000000,"title":"night flight"}}`
	request := httptest.NewRequest(http.MethodPost, "/api/v1/dreams", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", "dream-1755000000000")
	context.Request = request

	handler := &httpHandler{
		journal: &journal.Service{},
		events:  NewEventDispatcher(),
		logger:  zap.NewNop(),
	}

	handler.handleCreateDream(context)

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized status, got %d", recorder.Code)
	}
}

func TestHandleListDreamsIncludesServiceErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Set(userIDContextKey, "user-1")

	request := httptest.NewRequest(http.MethodGet, "/api/v1/dreams", http.NoBody)
	context.Request = request

	handler := &httpHandler{
		journal: &journal.Service{},
		events:  NewEventDispatcher(),
		logger:  zap.NewNop(),
	}

	handler.handleListDreams(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "journal.list_dreams.missing_database" {
		testContext.Fatalf("expected list dreams error code, got %v", payload["code"])
	}
}

func TestHandleUpdateDreamValidationFailures(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name       string
		remoteID   string
		body       string
		wantError  string
		wantStatus int
	}{
		{
			name:       "non-numeric-remote-id",
			remoteID:   "abc",
			body:       `{"dream":{"id":1,"title":"x"}}`,
			wantError:  "invalid_remote_id",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "zero-remote-id",
			remoteID:   "0",
			body:       `{"dream":{"id":1,"title":"x"}}`,
			wantError:  "invalid_remote_id",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed-body",
			remoteID:   "12",
			body:       `{"dream":`,
			wantError:  "invalid_request",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Set(userIDContextKey, "user-1")
			context.Params = gin.Params{gin.Param{Key: "remoteId", Value: testCase.remoteID}}

			request := httptest.NewRequest(http.MethodPut, "/api/v1/dreams/"+testCase.remoteID, strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			handler := &httpHandler{
				journal: &journal.Service{},
				events:  NewEventDispatcher(),
				logger:  zap.NewNop(),
			}

			handler.handleUpdateDream(context)

			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("unexpected status: got %d want %d", recorder.Code, testCase.wantStatus)
			}

			var payload map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				testContext.Fatalf("failed to decode payload: %v", err)
			}
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected error %s, got %v", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestHandleDeleteDreamRejectsInvalidRemoteID(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Set(userIDContextKey, "user-1")
	context.Params = gin.Params{gin.Param{Key: "remoteId", Value: "not-a-number"}}

	request := httptest.NewRequest(http.MethodDelete, "/api/v1/dreams/not-a-number", http.NoBody)
	context.Request = request

	handler := &httpHandler{
		journal: &journal.Service{},
		events:  NewEventDispatcher(),
		logger:  zap.NewNop(),
	}

	handler.handleDeleteDream(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"invalid_remote_id"}`
	if recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}
