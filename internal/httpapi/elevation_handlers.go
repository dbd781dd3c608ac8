package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"retailcore.org/internal/elevation"
)

type elevationRequestBody struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Permission string `json:"permission"`
	StoreID    string `json:"store_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

type redeemRequestBody struct {
	Token      string `json:"token"`
	Permission string `json:"permission,omitempty"`
	StoreID    string `json:"store_id,omitempty"`
}

type redeemResponse struct {
	Used       bool   `json:"used"`
	JTI        string `json:"jti"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Permission string `json:"permission"`
	StoreID    string `json:"store_id,omitempty"`
}

func (a *API) handleElevationRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var body elevationRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	issued, err := a.flow.RequestElevation(r.Context(), elevation.ElevationRequest{
		Email:      body.Email,
		Password:   body.Password,
		Permission: body.Permission,
		StoreID:    body.StoreID,
		SessionID:  body.SessionID,
		Context:    requestContext(r),
	})
	if err != nil {
		a.handleElevationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (a *API) handleElevationRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var body redeemRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if body.Token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := a.flow.RedeemToken(r.Context(), elevation.RedeemRequest{
		Token:      body.Token,
		Permission: body.Permission,
		StoreID:    body.StoreID,
		Context:    requestContext(r),
	})
	if err != nil {
		a.handleElevationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		Used:       true,
		JTI:        claims.ID,
		UserID:     claims.Subject,
		Email:      claims.Email,
		Permission: claims.Permission,
		StoreID:    claims.StoreID,
	})
}

func (a *API) handleElevationAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	query := elevation.AuditQuery{
		UserID:    q.Get("user_id"),
		UserEmail: q.Get("user_email"),
		StoreID:   q.Get("store_id"),
		EventType: elevation.EventType(q.Get("event_type")),
		Result:    elevation.Result(q.Get("result")),
		IPAddress: q.Get("ip"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	}
	var err error
	if query.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if query.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}

	records := a.audit.QueryAuditRecords(r.Context(), query)
	if records == nil {
		records = []elevation.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (a *API) handleElevationSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	days := intParam(r.URL.Query().Get("days"))
	writeJSON(w, http.StatusOK, a.audit.UserSecuritySummary(r.Context(), userID, days))
}

// handleElevationError maps flow errors to HTTP. Credential and permission
// failures collapse into one generic 401 so the response leaks nothing about
// which check refused.
func (a *API) handleElevationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, elevation.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, elevation.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(a.flow.RateLimitWindow()/time.Second)))
		writeError(w, r, http.StatusTooManyRequests, "too many failed attempts")
	case errors.Is(err, elevation.ErrAccessDenied), errors.Is(err, elevation.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "access denied")
	case errors.Is(err, elevation.ErrTokenUsed):
		writeError(w, r, http.StatusConflict, "token already used")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func requestContext(r *http.Request) elevation.RequestContext {
	return elevation.RequestContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
