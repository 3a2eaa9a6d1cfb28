package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mazuadm/mazuadm/pkg/store"
)

// Challenges

func (s *Server) listChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := s.store.ListChallenges(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenges)
}

func (s *Server) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req store.CreateChallenge
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	challenge, err := s.store.CreateChallenge(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	// Every team gets a relation row the moment the challenge exists
	if err := s.store.EnsureRelations(r.Context(), challenge.ID); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("challenge_created", challenge)
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) updateChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req store.CreateChallenge
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	challenge, err := s.store.UpdateChallenge(r.Context(), id, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("challenge_updated", challenge)
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteChallenge(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("challenge_deleted", id)
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) setChallengeEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	enabled := chiParamBool(r, "enabled")
	if enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	if err := s.store.SetChallengeEnabled(r.Context(), id, *enabled); err != nil {
		respondErr(w, err)
		return
	}
	challenge, err := s.store.GetChallenge(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("challenge_updated", challenge)
	writeJSON(w, http.StatusOK, "ok")
}

// Teams

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	var req store.CreateTeam
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	team, err := s.store.CreateTeam(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.EnsureRelationsForTeam(r.Context(), team.ID); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("team_created", team)
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) updateTeam(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req store.CreateTeam
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	team, err := s.store.UpdateTeam(r.Context(), id, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("team_updated", team)
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) deleteTeam(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteTeam(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("team_deleted", id)
	writeJSON(w, http.StatusOK, "ok")
}

// Relations

func (s *Server) listRelations(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathID(r, "challenge_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	relations, err := s.store.ListRelations(r.Context(), challengeID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}

func (s *Server) getRelation(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathID(r, "challenge_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	teamID, err := pathID(r, "team_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	rel, err := s.store.GetRelation(r.Context(), challengeID, teamID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

type updateConnectionInfoRequest struct {
	Addr *string `json:"addr"`
	Port *int    `json:"port"`
}

func (s *Server) updateConnectionInfo(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathID(r, "challenge_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	teamID, err := pathID(r, "team_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	var req updateConnectionInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rel, err := s.store.UpdateConnectionInfo(r.Context(), challengeID, teamID, req.Addr, req.Port)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("connection_info_updated", rel)
	writeJSON(w, http.StatusOK, rel)
}

// Settings

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListSettings(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type updateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) updateSetting(w http.ResponseWriter, r *http.Request) {
	var req updateSettingRequest
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.settings.Set(r.Context(), req.Key, req.Value); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("setting_updated", req)
	writeJSON(w, http.StatusOK, "ok")
}

func chiParamBool(r *http.Request, name string) *bool {
	switch chi.URLParam(r, name) {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}
