package server

import (
	"fmt"
	"io"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/objectwire/objectwire/internal/schema"
	appErrors "github.com/objectwire/objectwire/pkg/errors"
)

// bindPayload decodes an optional JSON object body. A missing body decodes to
// an empty payload; anything other than a JSON object is a bad request.
func bindPayload(c *gin.Context) (map[string]any, error) {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return map[string]any{}, nil
	}

	payload := make(map[string]any)
	if err := c.ShouldBindJSON(&payload); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, appErrors.NewBadRequest("invalid JSON payload")
	}
	return payload, nil
}

// vetPayload coerces and validates every supplied property. It fails on the
// first unknown property or invalid value without partial results, so callers
// can apply the returned map atomically.
func (s *Server) vetPayload(req *request, payload map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(payload))
	for name, raw := range payload {
		if !req.entity.HasProperty(name) {
			return nil, appErrors.NewBadRequest(fmt.Sprintf("unknown property %q", name))
		}

		coerced, err := req.entity.CoerceValue(name, raw)
		if err != nil {
			return nil, appErrors.NewBadRequest(err.Error())
		}
		if !req.access.ValidateValue(name, coerced) {
			return nil, appErrors.NewBadRequest(fmt.Sprintf("invalid value for %q", name))
		}
		values[name] = coerced
	}
	return values, nil
}

// resourceJSON builds the filtered wire representation of a resource for the
// requesting session: each declared property is emitted only when the
// effective permission grants at least read access; everything else is
// omitted entirely. The identity attribute always carries the resource ID.
// The returned slice names the emitted properties in deterministic order for
// the access notifications.
func (s *Server) resourceJSON(req *request, res *schema.Resource, resourcePerm schema.Permission) (map[string]any, []string) {
	body := map[string]any{
		req.entity.IdentityAttribute: res.ID,
	}

	names := make([]string, 0, len(req.entity.Attributes)+len(req.entity.Relationships))
	for name := range req.entity.Attributes {
		names = append(names, name)
	}
	for name := range req.entity.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)

	emitted := make([]string, 0, len(names))
	for _, name := range names {
		effective := resourcePerm.Min(req.access.PermissionForProperty(res, name, req.session))
		if effective < schema.ReadOnly {
			continue
		}
		body[name] = res.Value(name)
		emitted = append(emitted, name)
	}

	return body, emitted
}
