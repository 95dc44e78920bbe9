package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/middleware"
	"github.com/objectwire/objectwire/internal/schema"
	appErrors "github.com/objectwire/objectwire/pkg/errors"
	appValidator "github.com/objectwire/objectwire/pkg/validator"

	"github.com/objectwire/objectwire/internal/store"
)

type loginRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

// POST {loginPath}
func (s *Server) handleLogin(c *gin.Context) {
	c.Set(middleware.CtxOperationKey, OpLogin.String())
	req := &request{op: OpLogin, phase: PhaseReceived}

	var body loginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, req, appErrors.NewBadRequest("invalid JSON payload"))
		return
	}
	if err := appValidator.ValidateStruct(body); err != nil {
		s.fail(c, req, appErrors.NewBadRequest(err.Error()))
		return
	}

	session, err := s.sessions.Login(c.Request.Context(), iauth.LoginInput{
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Username:     body.Username,
		Password:     body.Password,
	})
	if err != nil {
		if errors.Is(err, iauth.ErrInvalidCredentials) {
			s.fail(c, req, appErrors.ErrInvalidCredentials)
			return
		}
		s.fail(c, req, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	req.advance(PhaseExecuted)
	s.respond(c, req, http.StatusOK, gin.H{"token": session.Token})
}

// POST /logout
func (s *Server) handleLogout(c *gin.Context) {
	c.Set(middleware.CtxOperationKey, OpLogout.String())
	req := &request{op: OpLogout, phase: PhaseReceived}

	token := c.GetString(middleware.CtxTokenKey)
	if token == "" {
		s.fail(c, req, appErrors.ErrUnauthorized)
		return
	}
	req.advance(PhaseAuthenticated)

	if err := s.sessions.Logout(c.Request.Context(), token); err != nil {
		if errors.Is(err, iauth.ErrSessionNotFound) {
			s.fail(c, req, appErrors.ErrUnauthorized)
			return
		}
		s.fail(c, req, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	req.advance(PhaseExecuted)
	s.respond(c, req, http.StatusOK, nil)
}

func resourceID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewBadRequest("resource ID must be a positive integer")
	}
	return id, nil
}

// GET /{resourcePath}/{id}
func (s *Server) handleGet(c *gin.Context, req *request) {
	id, err := resourceID(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	res, err := s.store.Fetch(c.Request.Context(), req.entity.Name, id)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}

	perm := req.access.PermissionForResource(res, req.session)
	if perm < schema.ReadOnly {
		s.fail(c, req, appErrors.ErrForbidden)
		return
	}
	req.advance(PhasePermissionChecked)

	body, emitted := s.resourceJSON(req, res, perm)
	req.advance(PhaseExecuted)

	s.emit(req, schema.EventAccessed, res.ID, "")
	for _, name := range emitted {
		s.emit(req, schema.EventPropertyAccessed, res.ID, name)
	}

	s.respond(c, req, http.StatusOK, body)
}

// POST /{resourcePath}
func (s *Server) handleCreate(c *gin.Context, req *request) {
	if !req.access.CanCreate(req.session) {
		s.fail(c, req, appErrors.ErrForbidden)
		return
	}
	req.advance(PhasePermissionChecked)

	payload, err := bindPayload(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	for _, required := range req.entity.RequiredInitialProperties {
		if _, present := payload[required]; !present {
			s.fail(c, req, appErrors.NewBadRequest(
				fmt.Sprintf("missing required property %q", required)))
			return
		}
	}

	// All-or-nothing: every supplied value must coerce and validate before
	// anything is persisted.
	values, err := s.vetPayload(req, payload)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	res, err := s.store.Create(c.Request.Context(), req.entity.Name, values)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}
	req.advance(PhaseExecuted)

	s.emit(req, schema.EventCreated, res.ID, "")
	s.respond(c, req, http.StatusOK, gin.H{req.entity.IdentityAttribute: res.ID})
}

// PUT /{resourcePath}/{id}
func (s *Server) handleEdit(c *gin.Context, req *request) {
	id, err := resourceID(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	res, err := s.store.Fetch(c.Request.Context(), req.entity.Name, id)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}

	perm := req.access.PermissionForResource(res, req.session)
	if perm < schema.Edit {
		s.fail(c, req, appErrors.ErrForbidden)
		return
	}

	payload, err := bindPayload(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	// Field-level permission over the whole payload first: denial anywhere
	// rejects the edit with no fields applied.
	for name := range payload {
		if !req.entity.HasProperty(name) {
			s.fail(c, req, appErrors.NewBadRequest(
				fmt.Sprintf("unknown property %q", name)))
			return
		}
		effective := perm.Min(req.access.PermissionForProperty(res, name, req.session))
		if effective < schema.Edit {
			s.fail(c, req, appErrors.ErrForbidden)
			return
		}
	}
	req.advance(PhasePermissionChecked)

	changes, err := s.vetPayload(req, payload)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	if err := s.store.Update(c.Request.Context(), res, changes); err != nil {
		s.fail(c, req, storeError(err))
		return
	}
	req.advance(PhaseExecuted)

	s.emit(req, schema.EventEdited, res.ID, "")
	for name := range changes {
		s.emit(req, schema.EventPropertyEdited, res.ID, name)
	}

	s.respond(c, req, http.StatusOK, nil)
}

// DELETE /{resourcePath}/{id}
func (s *Server) handleDelete(c *gin.Context, req *request) {
	id, err := resourceID(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	res, err := s.store.Fetch(c.Request.Context(), req.entity.Name, id)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}

	if !req.access.CanDelete(res, req.session) {
		s.fail(c, req, appErrors.ErrForbidden)
		return
	}
	req.advance(PhasePermissionChecked)

	if err := s.store.Delete(c.Request.Context(), res); err != nil {
		s.fail(c, req, storeError(err))
		return
	}
	req.advance(PhaseExecuted)

	s.emit(req, schema.EventDeleted, res.ID, "")
	s.respond(c, req, http.StatusOK, nil)
}

// POST /{resourcePath}/{id}/{functionName}
func (s *Server) handleFunction(c *gin.Context, req *request) {
	id, err := resourceID(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}
	name := c.Param("function")

	res, err := s.store.Fetch(c.Request.Context(), req.entity.Name, id)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}

	if !req.entity.HasFunction(name) {
		s.fail(c, req, appErrors.NewBadRequest(
			fmt.Sprintf("entity %q has no function %q", req.entity.Name, name)))
		return
	}
	if !req.access.CanPerformFunction(name, req.session) {
		s.fail(c, req, appErrors.ErrForbidden)
		return
	}
	req.advance(PhasePermissionChecked)

	payload, err := bindPayload(c)
	if err != nil {
		s.fail(c, req, err)
		return
	}

	code, out := req.access.PerformFunction(c.Request.Context(), res, name, payload, s.store)
	req.advance(PhaseExecuted)

	switch code {
	case schema.FunctionSuccess:
		s.respond(c, req, http.StatusOK, nilIfEmpty(out))
	case schema.FunctionInvalidInput:
		s.fail(c, req, appErrors.NewBadRequest("function rejected the payload"))
	case schema.FunctionForbidden:
		s.fail(c, req, appErrors.ErrForbidden)
	default:
		s.fail(c, req, appErrors.ErrInternalServer.WithInternal(
			fmt.Errorf("function %q on %s/%d returned %d", name, req.entity.Name, res.ID, code)))
	}
}

// POST {searchPrefix}/{resourcePath}
func (s *Server) handleSearch(c *gin.Context, req *request) {
	var descriptor store.SearchRequest
	if err := c.ShouldBindJSON(&descriptor); err != nil {
		s.fail(c, req, appErrors.NewBadRequest("invalid JSON payload"))
		return
	}
	if err := appValidator.ValidateStruct(descriptor); err != nil {
		s.fail(c, req, appErrors.NewBadRequest(err.Error()))
		return
	}

	matches, err := s.store.Search(c.Request.Context(), req.entity.Name, descriptor)
	if err != nil {
		s.fail(c, req, storeError(err))
		return
	}

	// Only resources the session may at least read are reported; restricted
	// matches never consume a slot of the window.
	visible := make([]int64, 0, len(matches))
	for _, res := range matches {
		if req.access.PermissionForResource(res, req.session) >= schema.ReadOnly {
			visible = append(visible, res.ID)
		}
	}
	req.advance(PhasePermissionChecked)

	if descriptor.FetchOffset > 0 {
		if descriptor.FetchOffset >= len(visible) {
			visible = visible[:0]
		} else {
			visible = visible[descriptor.FetchOffset:]
		}
	}
	if descriptor.FetchLimit > 0 && descriptor.FetchLimit < len(visible) {
		visible = visible[:descriptor.FetchLimit]
	}
	req.advance(PhaseExecuted)

	s.respond(c, req, http.StatusOK, visible)
}

func nilIfEmpty(out map[string]any) any {
	if len(out) == 0 {
		return nil
	}
	return out
}
