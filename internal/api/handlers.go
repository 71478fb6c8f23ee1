package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleOpen starts a new session, or reloads the one named by session_id
// when the caller holds its token.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	if req.SessionID != "" {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing session token")
			return
		}
		claims, err := s.tokens.Validate(token)
		if err != nil || claims.SessionID != req.SessionID {
			writeError(w, http.StatusUnauthorized, "Invalid session token")
			return
		}
	}

	st, err := s.play.Open(r.Context(), req.SessionID, req.ResumeLevel)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	token, expires, err := s.tokens.Issue(st.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to issue session token")
		writeError(w, http.StatusInternalServerError, "Failed to issue session token")
		return
	}

	status := http.StatusCreated
	if req.SessionID != "" {
		status = http.StatusOK
	}

	writeJSON(w, status, OpenResponse{
		Session:   newSessionResponse(st),
		Token:     token,
		ExpiresAt: expires,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.play.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(st))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	v, err := s.play.Verify(r.Context(), mux.Vars(r)["id"], req.Code, req.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Session:   newSessionResponse(v.State),
		Levels:    newLevelResponses(v.Levels),
		Preselect: v.Preselect,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := s.play.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(st))
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.play.Levels(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"levels": newLevelResponses(levels),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	level, err := strconv.Atoi(vars["level"])
	if err != nil || level < 1 {
		writeError(w, http.StatusBadRequest, "Invalid level")
		return
	}

	p, err := s.play.Start(r.Context(), vars["id"], level)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StartResponse{
		Session:  newSessionResponse(p.State),
		Question: newQuestionResponse(p.Question),
	})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	snap, err := s.play.Question(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuestionResponse(snap))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	rec, err := s.play.Answer(r.Context(), mux.Vars(r)["id"], req.QuestionID, req.AnswerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	adv, err := s.play.Next(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := NextResponse{Done: adv.Done}
	if adv.Question != nil {
		q := newQuestionResponse(*adv.Question)
		resp.Question = &q
	}
	if adv.Summary != nil {
		resp.Summary = &SummaryResponse{
			Session:  newSessionResponse(adv.Summary.State),
			Progress: adv.Summary.Progress,
			Report:   string(adv.Summary.Report),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	st, err := s.play.Leave(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(st))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.play.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		Session:  newSessionResponse(sum.State),
		Progress: sum.Progress,
		Report:   string(sum.Report),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{}

	if err := s.policy.HealthCheck(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		checks["policy"] = err.Error()
	} else {
		checks["policy"] = "ok"
	}

	if err := s.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		checks["storage"] = err.Error()
	} else {
		checks["storage"] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":         state,
		"checks":         checks,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
