package api

import "net/http"

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.PoolStatus())
}
