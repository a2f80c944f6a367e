package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/engine"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/metadata"
	"go.uber.org/zap"
)

// Subscriber hands out live event streams for the push endpoint.
type Subscriber interface {
	Subscribe(instanceId string, buffer int) (<-chan events.Event, func())
}

type Server struct {
	http.Server
	Port            int
	metadataService metadata.MetadataService
	engine          *engine.Engine
	subscriber      Subscriber
}

func NewServer(httpPort int, metadataService metadata.MetadataService, eng *engine.Engine, subscriber Subscriber) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			IdleTimeout:       30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metadataService: metadataService,
		engine:          eng,
		subscriber:      subscriber,
		Port:            httpPort,
	}
	s.Handler = s.Router()
	return s, nil
}

// Router builds the route table. It is exported so tests can drive it
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/definitions", s.HandleCreateDefinition).Methods(http.MethodPost)
	router.HandleFunc("/definitions", s.HandleListDefinitions).Methods(http.MethodGet)
	router.HandleFunc("/definitions/{id}", s.HandleGetDefinition).Methods(http.MethodGet)
	router.HandleFunc("/definitions/{id}", s.HandleUpdateDefinition).Methods(http.MethodPut)
	router.HandleFunc("/definitions/{id}", s.HandleDeleteDefinition).Methods(http.MethodDelete)
	router.HandleFunc("/definitions/{id}/validate", s.HandleValidateDefinition).Methods(http.MethodPost)
	router.HandleFunc("/definitions/{id}/{transition:activate|deactivate|archive|versions}", s.HandleDefinitionTransition).Methods(http.MethodPost)

	router.HandleFunc("/services", s.HandleSaveService).Methods(http.MethodPost)
	router.HandleFunc("/services", s.HandleListServices).Methods(http.MethodGet)
	router.HandleFunc("/services/{name}", s.HandleGetService).Methods(http.MethodGet)

	router.HandleFunc("/instances", s.HandleCreateInstance).Methods(http.MethodPost)
	router.HandleFunc("/instances", s.HandleListInstances).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}", s.HandleGetInstance).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}", s.HandlePurgeInstance).Methods(http.MethodDelete)
	router.HandleFunc("/instances/{id}/cancel", s.HandleCancelInstance).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/logs", s.HandleListLogs).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/tasks", s.HandleListInstanceTasks).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/service-results", s.HandleListServiceResults).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/service-responses/{requestId}", s.HandleServiceResponse).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/events", s.HandleEvents).Methods(http.MethodGet)

	router.HandleFunc("/tasks", s.HandleListUserTasks).Methods(http.MethodGet)
	router.HandleFunc("/tasks/{id}", s.HandleGetTask).Methods(http.MethodGet)
	router.HandleFunc("/tasks/{id}/complete", s.HandleCompleteTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/assign", s.HandleAssignTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/reassign", s.HandleReassignTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/start", s.HandleStartTask).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	return router
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return api.InvalidRequestError{Message: fmt.Sprintf("malformed request body: %v", err)}
	}
	return nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("error encoding response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"error encoding response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func respondWithError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var ve api.ValidationError
	if errors.As(err, &ve) {
		body["issues"] = ve.Issues
	}
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	respondWithJSON(w, code, body)
}

// statusCode maps the error taxonomy onto HTTP statuses.
func statusCode(err error) int {
	var (
		branching  api.BranchingError
		assignment api.AssignmentError
		invocation api.InvocationError
	)
	switch {
	case api.IsNotFound(err):
		return http.StatusNotFound
	case api.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case api.IsInvalidRequest(err):
		return http.StatusBadRequest
	case api.IsConcurrencyConflict(err):
		return http.StatusConflict
	case api.IsPersistenceError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &branching), errors.As(err, &assignment):
		return http.StatusUnprocessableEntity
	case errors.As(err, &invocation):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
