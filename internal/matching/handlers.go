package matching

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/maxg56/matcha/internal/common/logging"
	"github.com/maxg56/matcha/internal/common/utils"
)

// UserIDHeader carries the authenticated caller id set by the gateway.
const UserIDHeader = "X-User-ID"

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) GetPotentialMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	params, err := parseSelectParams(r)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	matches, err := h.service.FindMatches(r.Context(), userID, params)
	if err != nil {
		h.writeError(w, r, err, "Failed to get potential matches")
		return
	}

	utils.SuccessResponse(w, PotentialMatchesResponse{Matches: matches, Count: len(matches)}, http.StatusOK)
}

func (h *Handler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var dto RecordInteractionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		utils.ErrorResponse(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(dto); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.RecordInteraction(r.Context(), userID, dto.TargetUserID, InteractionKind(dto.InteractionType))
	if err != nil {
		h.writeError(w, r, err, "Failed to record interaction")
		return
	}

	utils.SuccessResponse(w, result, http.StatusOK)
}

func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	matches, err := h.service.GetMatches(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get matches")
		return
	}

	utils.SuccessResponse(w, MatchesResponse{Matches: matches, Count: len(matches)}, http.StatusOK)
}

func (h *Handler) GetReceivedLikes(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	likes, err := h.service.GetReceivedLikes(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get received likes")
		return
	}

	utils.SuccessResponse(w, ReceivedLikesResponse{Likes: likes, Count: len(likes)}, http.StatusOK)
}

func (h *Handler) Unlike(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	targetID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Unlike(r.Context(), userID, targetID)
	if err != nil {
		h.writeError(w, r, err, "Failed to unlike user")
		return
	}

	utils.SuccessResponse(w, result, http.StatusOK)
}

func (h *Handler) GetCompatibleMatrix(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	matrix, err := h.service.CompatibleMatrix(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to build compatibility matrix")
		return
	}

	utils.SuccessResponse(w, matrix, http.StatusOK)
}

func (h *Handler) GetCompatibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	targetID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	compat, err := h.service.Compatibility(r.Context(), userID, targetID)
	if err != nil {
		h.writeError(w, r, err, "Failed to compute compatibility")
		return
	}

	utils.SuccessResponse(w, compat, http.StatusOK)
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	pref, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get preferences")
		return
	}

	utils.SuccessResponse(w, pref, http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		utils.ErrorResponse(w, err.Error(), http.StatusNotFound)
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(message)
		utils.ErrorResponse(w, message+", please retry", http.StatusInternalServerError)
	}
}

func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id <= 0 {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	if err != nil || id <= 0 {
		utils.ErrorResponse(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseSelectParams(r *http.Request) (SelectParams, error) {
	q := r.URL.Query()
	var params SelectParams

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return params, errors.New("limit must be an integer")
		}
		params.Limit = limit
	}

	if v := q.Get("max_distance"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, errors.New("max_distance must be a number")
		}
		params.MaxDistanceKm = &d
	}

	minAge, maxAge := q.Get("min_age"), q.Get("max_age")
	if minAge != "" || maxAge != "" {
		if minAge == "" || maxAge == "" {
			return params, errors.New("min_age and max_age must be given together")
		}
		lo, errLo := strconv.Atoi(minAge)
		hi, errHi := strconv.Atoi(maxAge)
		if errLo != nil || errHi != nil {
			return params, errors.New("age range must be integers")
		}
		params.AgeRange = &AgeRange{Min: lo, Max: hi}
	}
	return params, nil
}
