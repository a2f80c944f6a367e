package rest

import (
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"go.uber.org/zap"
)

const sseHeartbeat = 15 * time.Second

func (s *Server) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req model.CreateInstanceRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	wi, err := s.engine.CreateInstance(r.Context(), req)
	if err != nil {
		logger.Error("error creating workflow instance", zap.String("definition", req.DefinitionId), zap.Error(err))
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, wi)
}

func (s *Server) HandleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req model.CancelInstanceRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondWithError(w, err)
			return
		}
	}
	req.InstanceId = mux.Vars(r)["id"]
	wi, err := s.engine.CancelInstance(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wi)
}

func (s *Server) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	wi, err := s.engine.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wi)
}

func (s *Server) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.engine.ListInstances(r.Context(), model.InstanceFilter{
		DefinitionId:  q.Get("definitionId"),
		ApplicationId: q.Get("applicationId"),
		Status:        model.InstanceStatus(q.Get("status")),
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (s *Server) HandlePurgeInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PurgeInstance(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.engine.ListLogs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, logs)
}

func (s *Server) HandleListInstanceTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.ListTasksForInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tasks)
}

func (s *Server) HandleListServiceResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.ListServiceResults(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, results)
}

// HandleServiceResponse is the callback an async service uses to report the
// outcome of a dispatched call.
func (s *Server) HandleServiceResponse(w http.ResponseWriter, r *http.Request) {
	var resp model.ServiceResponse
	if r.ContentLength != 0 {
		if err := decode(r, &resp); err != nil {
			respondWithError(w, err)
			return
		}
	}
	vars := mux.Vars(r)
	resp.InstanceId = vars["id"]
	resp.RequestId = vars["requestId"]
	wi, err := s.engine.HandleServiceResponse(r.Context(), resp)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"instanceId": wi.Id, "status": wi.Status})
}

// HandleEvents streams the instance's status, task and log events as
// server-sent events until the client goes away.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.GetInstance(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.subscriber == nil {
		respondWithError(w, api.InvalidRequestError{Message: "event streaming is not supported"})
		return
	}
	ch, cancel := s.subscriber.Subscribe(id, 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("error encoding event", zap.String("instance", id), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) HandleListUserTasks(w http.ResponseWriter, r *http.Request) {
	assignee := r.URL.Query().Get("assignee")
	if assignee == "" {
		respondWithError(w, api.InvalidRequestError{Message: "assignee query parameter is required"})
		return
	}
	tasks, err := s.engine.ListTasksForUser(r.Context(), assignee)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tasks)
}

func (s *Server) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

func (s *Server) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req model.CompleteTaskRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.TaskId = mux.Vars(r)["id"]
	task, err := s.engine.CompleteTask(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

func (s *Server) HandleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req model.AssignTaskRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.TaskId = mux.Vars(r)["id"]
	task, err := s.engine.AssignTask(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

func (s *Server) HandleReassignTask(w http.ResponseWriter, r *http.Request) {
	var req model.ReassignTaskRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.TaskId = mux.Vars(r)["id"]
	task, err := s.engine.ReassignTask(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

func (s *Server) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserId string `json:"userId"`
	}
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	task, err := s.engine.StartTask(r.Context(), mux.Vars(r)["id"], req.UserId)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}
