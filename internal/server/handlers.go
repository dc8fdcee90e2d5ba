package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/copyleftdev/gpr/internal/errors"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Wrap(err, "request body too large").WithStatus(http.StatusRequestEntityTooLarge)
		}
		return apperrors.Wrap(err, "invalid request body").WithStatus(http.StatusBadRequest)
	}
	return nil
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// handleFit handles POST /api/v1/models. The fit runs in the background;
// poll the returned model for its status.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if err := s.decode(w, r, &req); err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	view, err := s.startFit(req)
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/models/"+view.ID)
	respond(w, http.StatusAccepted, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{"models": s.list()})
}

// handleStatus handles GET /api/v1/models/{id}; ?trace=true includes the
// refinement trace.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	withTrace, _ := strconv.ParseBool(r.URL.Query().Get("trace"))
	view, err := s.status(chi.URLParam(r, "id"), withTrace)
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := s.decode(w, r, &req); err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	resp, err := s.predict(chi.URLParam(r, "id"), req)
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := s.decode(w, r, &req); err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	view, err := s.setParams(chi.URLParam(r, "id"), req.Params)
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := s.decode(w, r, &req); err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	view, err := s.importModel(req)
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/models/"+view.ID)
	respond(w, http.StatusCreated, view)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.export(chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deleteModel(chi.URLParam(r, "id")); err != nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
