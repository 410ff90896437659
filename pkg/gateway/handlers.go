package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fkchat/fkchat/pkg/kvstore"
	"github.com/fkchat/fkchat/pkg/mapper"
	"github.com/fkchat/fkchat/pkg/types"
)

type getVerifyCodeRequest struct {
	Email      string           `json:"email"`
	VerifyType types.VerifyType `json:"verify_type"`
}

type registerUserRequest struct {
	Username       string `json:"username"`
	Email          string `json:"email"`
	HashedPassword string `json:"hashed_password"`
	VerifyCode     string `json:"verify_code"`
}

type loginUserRequest struct {
	Username       string `json:"username"`
	HashedPassword string `json:"hashed_password"`
	ClientDeviceID string `json:"client_device_id"`
}

type authenticateResetPwdRequest struct {
	Email      string `json:"email"`
	VerifyCode string `json:"verify_code"`
}

type resetPasswordRequest struct {
	Email          string `json:"email"`
	HashedPassword string `json:"hashed_password"`
}

type loginData struct {
	UserUUID  string `json:"user_uuid"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	types.ChatServerInfo
}

// handleGetVerifyCode issues a verification code for registration or
// password reset. Registration requires the email to be new; reset
// requires it to exist.
func (g *Gateway) handleGetVerifyCode(w http.ResponseWriter, r *http.Request) {
	data, ok, msg := decodeEnvelope(r, types.ServiceTypeVerifyCode)
	if !ok {
		writeResponse(w, g.logger, http.StatusBadRequest, msg, nil)
		return
	}
	var req getVerifyCodeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Email == "" {
		writeResponse(w, g.logger, http.StatusBadRequest, "email is required", nil)
		return
	}

	_, err := g.users.FindByEmail(r.Context(), req.Email)
	switch req.VerifyType {
	case types.VerifyTypeRegister:
		if err == nil {
			writeResponse(w, g.logger, http.StatusConflict, "email already registered", nil)
			return
		}
		if !errors.Is(err, mapper.ErrNotFound) {
			g.internal(w, err, "email lookup failed")
			return
		}
	case types.VerifyTypeResetPassword:
		if errors.Is(err, mapper.ErrNotFound) {
			writeResponse(w, g.logger, http.StatusConflict, "email not registered", nil)
			return
		}
		if err != nil {
			g.internal(w, err, "email lookup failed")
			return
		}
	default:
		writeResponse(w, g.logger, http.StatusBadRequest, "unknown verify_type", nil)
		return
	}

	code, err := g.codes.GenerateAndStoreCode(r.Context(), req.Email)
	if err != nil {
		g.internal(w, err, "failed to issue verification code")
		return
	}
	writeResponse(w, g.logger, http.StatusOK, "ok", map[string]string{"verify_code": code})
}

// handleRegisterUser creates an account after consuming the caller's
// verification code.
func (g *Gateway) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	data, ok, msg := decodeEnvelope(r, types.ServiceTypeRegister)
	if !ok {
		writeResponse(w, g.logger, http.StatusBadRequest, msg, nil)
		return
	}
	var req registerUserRequest
	if err := json.Unmarshal(data, &req); err != nil ||
		req.Username == "" || req.Email == "" || req.HashedPassword == "" || req.VerifyCode == "" {
		writeResponse(w, g.logger, http.StatusBadRequest, "username, email, hashed_password and verify_code are required", nil)
		return
	}

	if !g.consumeCode(w, r, req.Email, req.VerifyCode) {
		return
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(req.HashedPassword), bcrypt.DefaultCost)
	if err != nil {
		g.internal(w, err, "failed to hash password")
		return
	}

	user := &types.User{
		UUID:           uuid.New().String(),
		Username:       req.Username,
		Email:          req.Email,
		PasswordDigest: string(digest),
		CreatedAt:      time.Now(),
	}
	if err := g.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, mapper.ErrDataAlreadyExist) {
			writeResponse(w, g.logger, http.StatusConflict, "username or email already taken", nil)
			return
		}
		g.internal(w, err, "failed to create user")
		return
	}

	g.logger.Info().Str("user_uuid", user.UUID).Msg("user registered")
	writeResponse(w, g.logger, http.StatusOK, "ok", map[string]string{"user_uuid": user.UUID})
}

// handleLoginUser checks credentials and mints a token plus chat server
// placement through the status service.
func (g *Gateway) handleLoginUser(w http.ResponseWriter, r *http.Request) {
	data, ok, msg := decodeEnvelope(r, types.ServiceTypeLogin)
	if !ok {
		writeResponse(w, g.logger, http.StatusBadRequest, msg, nil)
		return
	}
	var req loginUserRequest
	if err := json.Unmarshal(data, &req); err != nil ||
		req.Username == "" || req.HashedPassword == "" || req.ClientDeviceID == "" {
		writeResponse(w, g.logger, http.StatusBadRequest, "username, hashed_password and client_device_id are required", nil)
		return
	}

	user, err := g.users.FindByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, mapper.ErrNotFound) {
			writeResponse(w, g.logger, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		g.internal(w, err, "user lookup failed")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordDigest), []byte(req.HashedPassword)) != nil {
		writeResponse(w, g.logger, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	resp, err := g.generateToken(r.Context(), user.UUID, req.ClientDeviceID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_uuid", user.UUID).Msg("token generation failed")
		writeResponse(w, g.logger, http.StatusServiceUnavailable, "login service unavailable, try again later", nil)
		return
	}

	g.logger.Info().
		Str("user_uuid", user.UUID).
		Str("chat_server", resp.ChatServer.ID).
		Msg("user logged in")
	writeResponse(w, g.logger, http.StatusOK, "ok", loginData{
		UserUUID:       user.UUID,
		Token:          resp.Token,
		ExpiresAt:      resp.ExpiresAt,
		ChatServerInfo: resp.ChatServer,
	})
}

// handleAuthenticateResetPwd consumes a reset verification code and
// records a short-lived grant that reset_password requires.
func (g *Gateway) handleAuthenticateResetPwd(w http.ResponseWriter, r *http.Request) {
	data, ok, msg := decodeEnvelope(r, types.ServiceTypeResetPwd)
	if !ok {
		writeResponse(w, g.logger, http.StatusBadRequest, msg, nil)
		return
	}
	var req authenticateResetPwdRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Email == "" || req.VerifyCode == "" {
		writeResponse(w, g.logger, http.StatusBadRequest, "email and verify_code are required", nil)
		return
	}

	if !g.consumeCode(w, r, req.Email, req.VerifyCode) {
		return
	}

	if err := g.codes.Set(r.Context(), resetGrantKey(req.Email), "1", resetGrantTTL); err != nil {
		g.internal(w, err, "failed to record reset grant")
		return
	}
	writeResponse(w, g.logger, http.StatusOK, "ok", nil)
}

// handleResetPassword replaces the password behind a live reset grant
// and revokes the account's active token so open sessions die.
func (g *Gateway) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	data, ok, msg := decodeEnvelope(r, types.ServiceTypeResetPwd)
	if !ok {
		writeResponse(w, g.logger, http.StatusBadRequest, msg, nil)
		return
	}
	var req resetPasswordRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Email == "" || req.HashedPassword == "" {
		writeResponse(w, g.logger, http.StatusBadRequest, "email and hashed_password are required", nil)
		return
	}

	// The grant is single-use: consume it before touching the account.
	if _, err := g.codes.Get(r.Context(), resetGrantKey(req.Email)); err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			writeResponse(w, g.logger, http.StatusForbidden, "password reset not authorized or expired", nil)
			return
		}
		g.internal(w, err, "failed to check reset grant")
		return
	}
	if err := g.codes.Del(r.Context(), resetGrantKey(req.Email)); err != nil {
		g.logger.Warn().Err(err).Str("email", req.Email).Msg("failed to consume reset grant")
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(req.HashedPassword), bcrypt.DefaultCost)
	if err != nil {
		g.internal(w, err, "failed to hash password")
		return
	}

	affected, err := g.users.UpdatePassword(r.Context(), req.Email, string(digest))
	if err != nil {
		g.internal(w, err, "failed to update password")
		return
	}
	if affected == 0 {
		writeResponse(w, g.logger, http.StatusConflict, "email not registered", nil)
		return
	}

	// A changed password invalidates the active token, best effort: the
	// token also dies on its own TTL if the status service is down.
	if user, err := g.users.FindByEmail(r.Context(), req.Email); err == nil {
		if _, err := g.status.RevokeToken(r.Context(), user.UUID); err != nil {
			g.logger.Warn().Err(err).Str("user_uuid", user.UUID).Msg("failed to revoke token after reset")
		}
	}

	g.logger.Info().Str("email", req.Email).Msg("password reset")
	writeResponse(w, g.logger, http.StatusOK, "ok", nil)
}

// consumeCode verifies and consumes the email's verification code,
// writing the error response itself on failure.
func (g *Gateway) consumeCode(w http.ResponseWriter, r *http.Request, email, code string) bool {
	switch err := g.codes.VerifyCode(r.Context(), email, code); {
	case err == nil:
		return true
	case errors.Is(err, kvstore.ErrValueMismatch):
		writeResponse(w, g.logger, http.StatusUnauthorized, "verification code mismatch", nil)
	case errors.Is(err, kvstore.ErrValueExpired):
		writeResponse(w, g.logger, http.StatusForbidden, "verification code expired", nil)
	default:
		g.internal(w, err, "verification failed")
	}
	return false
}

func (g *Gateway) internal(w http.ResponseWriter, err error, msg string) {
	g.logger.Error().Err(err).Msg(msg)
	writeResponse(w, g.logger, http.StatusInternalServerError, "internal error", nil)
}
