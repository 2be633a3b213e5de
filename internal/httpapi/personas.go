package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/voicedesk/internal/persona"
)

type listPersonasResponse struct {
	Default  persona.Persona   `json:"default"`
	Personas []persona.Profile `json:"personas"`
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listPersonasResponse{
		Default:  persona.FrontDesk,
		Personas: persona.All(),
	})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := persona.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	prof, _ := p.Profile()
	respondJSON(w, http.StatusOK, prof)
}
