package schema

import (
	"context"

	"github.com/objectwire/objectwire/internal/models"
)

// Permission grades the access a session holds on a resource or a single
// property of it. Field access is the more restrictive of the resource-level
// and the field-level grade.
type Permission uint8

const (
	NoAccess Permission = iota
	ReadOnly
	Edit
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "read-only"
	case Edit:
		return "edit"
	default:
		return "no-access"
	}
}

// Min returns the more restrictive of two permissions.
func (p Permission) Min(other Permission) Permission {
	if other < p {
		return other
	}
	return p
}

// FunctionCode is the outcome of a resource function invocation.
type FunctionCode int

const (
	FunctionSuccess       FunctionCode = 200
	FunctionInvalidInput  FunctionCode = 400
	FunctionForbidden     FunctionCode = 403
	FunctionInternalError FunctionCode = 500
)

// Mutator is the slice of the object store a resource function may write
// through. Changes applied here participate in the store's atomicity rules.
type Mutator interface {
	Apply(ctx context.Context, res *Resource, changes map[string]any) error
}

// AccessControl carries the per-entity capability callbacks the resource server
// consults while driving a request. Implementations receive the resolved
// session, which is nil for anonymous requests against entities that allow
// them.
type AccessControl interface {
	// CanCreate gates instance creation.
	CanCreate(session *models.Session) bool

	// CanDelete gates deletion of one instance.
	CanDelete(res *Resource, session *models.Session) bool

	// PermissionForResource grades access to the instance as a whole.
	PermissionForResource(res *Resource, session *models.Session) Permission

	// PermissionForProperty grades access to one attribute or relationship.
	// The effective grade is capped by the resource-level permission.
	PermissionForProperty(res *Resource, name string, session *models.Session) Permission

	// CanPerformFunction gates invocation of a declared function.
	CanPerformFunction(name string, session *models.Session) bool

	// ValidateValue vets a coerced value before it is persisted.
	ValidateValue(name string, value any) bool

	// PerformFunction executes a declared function against the resource.
	PerformFunction(ctx context.Context, res *Resource, name string, payload map[string]any, store Mutator) (FunctionCode, map[string]any)
}

// OpenAccess is a permissive AccessControl for embedding: everything is
// allowed, every value validates, functions report invalid input. Descriptors
// override the callbacks they care about.
type OpenAccess struct{}

func (OpenAccess) CanCreate(*models.Session) bool { return true }

func (OpenAccess) CanDelete(*Resource, *models.Session) bool { return true }

func (OpenAccess) PermissionForResource(*Resource, *models.Session) Permission { return Edit }

func (OpenAccess) PermissionForProperty(*Resource, string, *models.Session) Permission {
	return Edit
}

func (OpenAccess) CanPerformFunction(string, *models.Session) bool { return true }

func (OpenAccess) ValidateValue(string, any) bool { return true }

func (OpenAccess) PerformFunction(context.Context, *Resource, string, map[string]any, Mutator) (FunctionCode, map[string]any) {
	return FunctionInvalidInput, nil
}
