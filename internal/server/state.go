package server

import (
	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/internal/schema"
)

// Operation names the request kinds the server drives.
type Operation uint8

const (
	OpLogin Operation = iota
	OpLogout
	OpGet
	OpCreate
	OpEdit
	OpDelete
	OpFunction
	OpSearch
)

func (o Operation) String() string {
	switch o {
	case OpLogin:
		return "login"
	case OpLogout:
		return "logout"
	case OpGet:
		return "get"
	case OpCreate:
		return "create"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	case OpFunction:
		return "function"
	case OpSearch:
		return "search"
	default:
		return "unknown"
	}
}

// Phase tracks how far a request progressed through the handling state
// machine. Errored is reachable from every phase; the phase reached is
// reported together with the error.
type Phase uint8

const (
	PhaseReceived Phase = iota
	PhaseAuthenticated
	PhaseAnonymous
	PhasePermissionChecked
	PhaseExecuted
	PhaseResponded
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "received"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseAnonymous:
		return "anonymous"
	case PhasePermissionChecked:
		return "permission-checked"
	case PhaseExecuted:
		return "executed"
	case PhaseResponded:
		return "responded"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// request carries one in-flight request through the state machine.
type request struct {
	op      Operation
	entity  *schema.Entity
	access  schema.AccessControl
	session *models.Session
	token   string
	phase   Phase
}

func (r *request) advance(phase Phase) {
	r.phase = phase
}

func (r *request) entityName() string {
	if r.entity == nil {
		return ""
	}
	return r.entity.Name
}
