package models

// LastIDs is the durable per-entity last-resource-ID map persisted beside the
// object graph so restarts never reuse an ID.
type LastIDs map[string]int64
