package main

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type CreateAdminSessionPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// POST /v1/admin/session
// Checks the env-configured operator credential and sets the session cookie.
// The anti-forgery token is returned in the body; every mutating admin call
// must echo it back in X-CSRF-Token.
func (app *application) createAdminSessionHandler(w http.ResponseWriter, r *http.Request) {
	var payload CreateAdminSessionPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if err := Validate.Struct(payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(payload.Username), []byte(app.config.auth.adminUser)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(app.config.auth.adminPassHash), []byte(payload.Password))
	if !userOK || passErr != nil {
		app.unauthorizedErrorResponse(w, r, fmt.Errorf("invalid credentials"))
		return
	}

	csrfToken := uuid.NewString()

	sessionToken, err := app.authenticator.GenerateSessionToken(payload.Username, csrfToken)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionToken,
		Path:     "/v1/admin",
		HttpOnly: true,
		Secure:   app.config.env == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(app.config.auth.sessionExp.Seconds()),
	})

	if err := app.jsonResponse(w, http.StatusCreated, map[string]string{
		"csrf_token": csrfToken,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// DELETE /v1/admin/session
func (app *application) deleteAdminSessionHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/v1/admin",
		HttpOnly: true,
		Secure:   app.config.env == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})

	if err := app.jsonResponse(w, http.StatusOK, map[string]string{"status": "logged_out"}); err != nil {
		app.internalServerError(w, r, err)
	}
}
