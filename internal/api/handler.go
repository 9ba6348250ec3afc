// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package api exposes the account flows as a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/pkg/errutil"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// CodeMalformedRequest is returned for bodies that are not valid JSON.
const CodeMalformedRequest = "MALFORMED_REQUEST"

// CodeInternal is returned for errors without a known code.
const CodeInternal = "INTERNAL"

// CodeUnauthenticated is returned by the session guard.
const CodeUnauthenticated = "UNAUTHENTICATED"

// Service is the account lifecycle the API exposes.
type Service interface {
	Register(ctx context.Context, profile auth.Profile, password string) (*auth.Registration, error)
	RequestVerification(ctx context.Context, profile auth.Profile, password string) error
	VerifyCode(ctx context.Context, email, code string) error
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	FederatedLogin(ctx context.Context, assertion string) (*auth.FederatedResult, error)
	RequestReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, secret, newPassword string) error
}

// TokenVerifier checks session tokens and returns their subject.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler routes API requests.
type Handler struct {
	svc    Service
	tokens TokenVerifier
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates a Handler. A nil logger uses slog.Default.
func NewHandler(svc Service, tokens TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, tokens: tokens, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/accounts", h.register)
	h.mux.HandleFunc("POST /v1/registrations", h.requestVerification)
	h.mux.HandleFunc("POST /v1/registrations/verify", h.verifyCode)
	h.mux.HandleFunc("POST /v1/sessions", h.login)
	h.mux.HandleFunc("POST /v1/sessions/federated", h.federatedLogin)
	h.mux.HandleFunc("GET /v1/session", h.currentSession)
	h.mux.HandleFunc("POST /v1/password-resets", h.requestReset)
	h.mux.HandleFunc("POST /v1/password-resets/confirm", h.resetPassword)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type profileRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Password    string `json:"password"`
}

func (p profileRequest) profile() auth.Profile {
	return auth.Profile{
		Email:       p.Email,
		Username:    p.Username,
		Phone:       p.Phone,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Assertion string `json:"assertion"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), req.profile(), req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) requestVerification(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestVerification(r.Context(), req.profile(), req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyCode(r.Context(), req.Email, req.Code); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) federatedLogin(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.FederatedLogin(r.Context(), req.Assertion)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == auth.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) requestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestReset(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// currentSession returns the account ID behind a bearer token.
func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "bearer token required", "")
		return
	}
	subject, err := h.tokens.Verify(token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "invalid session token", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account_id": subject})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformedRequest, "request body must be a JSON object", "")
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeMalformedRequest, "request body must hold a single JSON object", "")
		return false
	}
	return true
}

// statuses maps error codes to HTTP statuses.
var statuses = map[string]int{
	auth.CodeValidation:         http.StatusBadRequest,
	auth.CodeConflict:           http.StatusConflict,
	auth.CodeInvalidCredentials: http.StatusUnauthorized,
	auth.CodeInvalidAssertion:   http.StatusUnauthorized,
	auth.CodeInvalidOrExpired:   http.StatusBadRequest,
	auth.CodeNotFound:           http.StatusNotFound,
	auth.CodeEmailDelivery:      http.StatusBadGateway,
	auth.CodeUpstream:           http.StatusServiceUnavailable,
}

// messages are the client-facing texts per code. Validation and conflict
// errors use the field error's own text.
var messages = map[string]string{
	auth.CodeInvalidCredentials: "invalid email or password",
	auth.CodeInvalidAssertion:   "identity assertion rejected",
	auth.CodeInvalidOrExpired:   "code or link is invalid or has expired",
	auth.CodeNotFound:           "no active account with that email",
	auth.CodeEmailDelivery:      "email could not be sent, try again later",
	auth.CodeUpstream:           "service temporarily unavailable",
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.ErrorCode(err)
	status, known := statuses[code]
	if !known {
		code = CodeInternal
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), h.logger, "request failed", err)
	}

	var fe *auth.FieldError
	if errors.As(err, &fe) {
		writeError(w, status, code, fe.Error(), fe.Field)
		return
	}
	msg, ok := messages[code]
	if !ok {
		msg = "internal error"
	}
	writeError(w, status, code, msg, "")
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Field: field}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}
