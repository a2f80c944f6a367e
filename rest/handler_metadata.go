package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/caseflow/model"
)

func (s *Server) HandleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if err := decode(r, &def); err != nil {
		respondWithError(w, err)
		return
	}
	created, err := s.metadataService.CreateDefinition(r.Context(), &def)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (s *Server) HandleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if err := decode(r, &def); err != nil {
		respondWithError(w, err)
		return
	}
	def.Id = mux.Vars(r)["id"]
	updated, err := s.metadataService.UpdateDefinition(r.Context(), &def)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.metadataService.GetDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.metadataService.ListDefinitions(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (s *Server) HandleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.metadataService.DeleteDefinition(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleValidateDefinition(w http.ResponseWriter, r *http.Request) {
	issues, err := s.metadataService.ValidateDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"valid": len(issues) == 0, "issues": issues})
}

// HandleDefinitionTransition serves the lifecycle actions. The acting user
// comes from the actor query parameter.
func (s *Server) HandleDefinitionTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, actor := vars["id"], r.URL.Query().Get("actor")
	var (
		def *model.WorkflowDefinition
		err error
	)
	code := http.StatusOK
	switch vars["transition"] {
	case "activate":
		def, err = s.metadataService.ActivateDefinition(r.Context(), id, actor)
	case "deactivate":
		def, err = s.metadataService.DeactivateDefinition(r.Context(), id, actor)
	case "archive":
		def, err = s.metadataService.ArchiveDefinition(r.Context(), id, actor)
	case "versions":
		def, err = s.metadataService.NewVersion(r.Context(), id, actor)
		code = http.StatusCreated
	}
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, code, def)
}

func (s *Server) HandleSaveService(w http.ResponseWriter, r *http.Request) {
	var cfg model.ServiceConfiguration
	if err := decode(r, &cfg); err != nil {
		respondWithError(w, err)
		return
	}
	saved, err := s.metadataService.SaveServiceConfiguration(r.Context(), &cfg)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, saved)
}

func (s *Server) HandleGetService(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.metadataService.GetServiceConfiguration(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

func (s *Server) HandleListServices(w http.ResponseWriter, r *http.Request) {
	list, err := s.metadataService.ListServiceConfigurations(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}
