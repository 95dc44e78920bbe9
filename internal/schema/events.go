package schema

// EventKind names the lifecycle moments a resource server reports.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventAccessed
	EventEdited
	EventDeleted
	EventPropertyAccessed
	EventPropertyEdited
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventAccessed:
		return "accessed"
	case EventEdited:
		return "edited"
	case EventDeleted:
		return "deleted"
	case EventPropertyAccessed:
		return "property-accessed"
	case EventPropertyEdited:
		return "property-edited"
	default:
		return "unknown"
	}
}

// Event is delivered to the server's observer at each lifecycle moment.
// Property is set for the per-property kinds. Token identifies the session the
// action was performed under, empty for anonymous requests.
type Event struct {
	Kind       EventKind
	Entity     string
	ResourceID int64
	Property   string
	Token      string
}

// Observer receives resource lifecycle events from a server instance.
// Deliveries happen on the request goroutine; implementations must not block.
type Observer interface {
	ResourceEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) ResourceEvent(ev Event) { f(ev) }
