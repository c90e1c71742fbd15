// Package remote fronts a storage.Store with a JSON-RPC protocol carried
// over a websocket. Server exposes any local backend; Client implements
// storage.Store against a Server so the rest of the system cannot tell the
// difference.
//
// Frames are JSON text messages:
//
//	request:  {"id": 7, "method": "memory.get", "params": {...}}
//	response: {"id": 7, "result": {...}}
//	          {"id": 7, "error": {"kind": "not_found", "message": "..."}}
//
// Error kinds round-trip, so types.IsKind works on the client side.
package remote

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// DefaultReadLimit bounds a single frame. Checkout snapshots travel in one
// frame, so the websocket default of 32 KiB is far too small.
const DefaultReadLimit = 64 << 20

// Method names.
const (
	methodMemoryCreate        = "memory.create"
	methodMemoryGet           = "memory.get"
	methodMemoryUpdate        = "memory.update"
	methodMemoryDelete        = "memory.delete"
	methodMemoryList          = "memory.list"
	methodMemoryCount         = "memory.count"
	methodMemoryAccess        = "memory.apply_access"
	methodMemoryDeleteExpired = "memory.delete_expired"
	methodMemorySearch        = "memory.search"

	methodEntityCreate = "entity.create"
	methodEntityGet    = "entity.get"
	methodEntityUpdate = "entity.update"
	methodEntityDelete = "entity.delete"
	methodEntityList   = "entity.list"
	methodEntityCount  = "entity.count"

	methodRelCreate = "relationship.create"
	methodRelGet    = "relationship.get"
	methodRelUpdate = "relationship.update"
	methodRelDelete = "relationship.delete"
	methodRelList   = "relationship.list"
	methodRelCount  = "relationship.count"

	methodVectorUpsert = "vector.upsert"
	methodVectorGet    = "vector.get"
	methodVectorDelete = "vector.delete"
	methodVectorList   = "vector.list"
	methodVectorSearch = "vector.search"

	methodVersionSave       = "version.save"
	methodVersionGet        = "version.get"
	methodVersionList       = "version.list"
	methodVersionDelete     = "version.delete"
	methodVersionReplaceAll = "version.replace_all"

	methodRelTypeSave   = "reltype.save"
	methodRelTypeGet    = "reltype.get"
	methodRelTypeList   = "reltype.list"
	methodRelTypeDelete = "reltype.delete"

	methodGraphNeighbors = "graph.neighbors"

	methodHealth       = "store.health"
	methodClear        = "store.clear"
	methodMetadata     = "store.metadata"
	methodCapabilities = "store.capabilities"
)

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// encodeError flattens err for the wire, keeping its kind.
func encodeError(err error) *wireError {
	var e *types.Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += e.Err.Error()
		}
		return &wireError{Kind: string(e.Kind), Message: msg}
	}
	return &wireError{Kind: string(types.KindOperation), Message: err.Error()}
}

func (w *wireError) err() error {
	return types.NewError(types.ParseErrorKind(w.Kind), w.Message)
}

type idParams struct {
	ID string `json:"id"`
}

type listParams[F any] struct {
	Filter *F `json:"filter,omitempty"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type filterParams[F any] struct {
	Filter *F `json:"filter,omitempty"`
}

type pageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type expiredParams struct {
	Now time.Time `json:"now"`
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type vectorSearchParams struct {
	Query  []float32             `json:"query"`
	Limit  int                   `json:"limit"`
	Filter *storage.VectorFilter `json:"filter,omitempty"`
}

type neighborParams struct {
	NodeID    string          `json:"node_id"`
	RelType   string          `json:"relationship_type,omitempty"`
	Direction types.Direction `json:"direction"`
}

type empty struct{}
