package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"mwfn-driver/internal/protocol"
	"mwfn-driver/internal/watcher"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeSessionError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}

// indexParam parses the {index} path value, if the route has one.
func indexParam(r *http.Request) (*int, bool) {
	v := r.PathValue("index")
	if v == "" {
		return nil, true
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return nil, false
	}
	return &i, true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.CommandExecutePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	// The wait ends early if the client goes away.
	rec, err := s.execute(r.Context(), req)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.driver.Records())
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(r)
	if !ok || index == nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "index must be a non-negative integer")
		return
	}

	rec, err := s.driver.Record(*index)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetOutput serves the whole output, or one record's output when the
// route carries an index.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "index must be a non-negative integer")
		return
	}

	out, err := s.driver.OutputBlock(index)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.driver.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	if err := s.shutdown(force); err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrExecuteFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, watcher.BuildFileTree(s.driver.ProgramDir(), fileTreeDepth))
}
