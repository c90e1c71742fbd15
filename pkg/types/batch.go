package types

import (
	"encoding/json"
	"time"
)

// BatchOpKind names a batch operation in its JSON envelope.
type BatchOpKind string

// Batch operation kinds
const (
	OpCreateMemory       BatchOpKind = "create_memory"
	OpUpdateMemory       BatchOpKind = "update_memory"
	OpDeleteMemory       BatchOpKind = "delete_memory"
	OpCreateEntity       BatchOpKind = "create_entity"
	OpUpdateEntity       BatchOpKind = "update_entity"
	OpDeleteEntity       BatchOpKind = "delete_entity"
	OpCreateRelationship BatchOpKind = "create_relationship"
	OpUpdateRelationship BatchOpKind = "update_relationship"
	OpDeleteRelationship BatchOpKind = "delete_relationship"
	OpUpdateMetadata     BatchOpKind = "update_metadata"
)

// Error codes attached to failed batch results.
const (
	BatchCodeAborted = "aborted"
)

// BatchPayload is implemented by every operation body.
type BatchPayload interface {
	Kind() BatchOpKind
}

// BatchOperation is one entry of a batch, encoded as {"op": ..., "data": ...}.
type BatchOperation struct {
	Op   BatchOpKind
	Data BatchPayload
}

// NewBatchOperation wraps a payload in its envelope.
func NewBatchOperation(p BatchPayload) BatchOperation {
	return BatchOperation{Op: p.Kind(), Data: p}
}

// CreateMemoryOp creates a memory. An empty ID is filled by the executor.
type CreateMemoryOp struct {
	ID         string         `json:"id,omitempty"`
	Content    string         `json:"content"`
	MemoryType MemoryType     `json:"memory_type,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Source     string         `json:"source,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// UpdateMemoryOp patches a memory. Nil fields are left untouched; Tags
// replaces the tag set, Properties is merged key by key.
type UpdateMemoryOp struct {
	ID         string         `json:"id"`
	Content    *string        `json:"content,omitempty"`
	Priority   *Priority      `json:"priority,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

// DeleteMemoryOp deletes a memory.
type DeleteMemoryOp struct {
	ID string `json:"id"`
}

// CreateEntityOp creates an entity.
type CreateEntityOp struct {
	ID         string         `json:"id,omitempty"`
	EntityType string         `json:"entity_type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// UpdateEntityOp patches an entity; Properties is merged.
type UpdateEntityOp struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// DeleteEntityOp deletes an entity.
type DeleteEntityOp struct {
	ID string `json:"id"`
}

// CreateRelationshipOp creates an edge. Bidirectional also creates the
// paired edge (same type for symmetric types, the inverse type otherwise).
type CreateRelationshipOp struct {
	ID               string         `json:"id,omitempty"`
	Source           string         `json:"source"`
	Target           string         `json:"target"`
	RelationshipType string         `json:"relationship_type"`
	Properties       map[string]any `json:"properties,omitempty"`
	Bidirectional    bool           `json:"bidirectional,omitempty"`
}

// UpdateRelationshipOp replaces the properties of an edge.
type UpdateRelationshipOp struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// DeleteRelationshipOp deletes an edge.
type DeleteRelationshipOp struct {
	ID string `json:"id"`
}

// UpdateMetadataOp merges properties into a memory without touching content.
type UpdateMetadataOp struct {
	MemoryID string         `json:"memory_id"`
	Metadata map[string]any `json:"metadata"`
}

func (CreateMemoryOp) Kind() BatchOpKind       { return OpCreateMemory }
func (UpdateMemoryOp) Kind() BatchOpKind       { return OpUpdateMemory }
func (DeleteMemoryOp) Kind() BatchOpKind       { return OpDeleteMemory }
func (CreateEntityOp) Kind() BatchOpKind       { return OpCreateEntity }
func (UpdateEntityOp) Kind() BatchOpKind       { return OpUpdateEntity }
func (DeleteEntityOp) Kind() BatchOpKind       { return OpDeleteEntity }
func (CreateRelationshipOp) Kind() BatchOpKind { return OpCreateRelationship }
func (UpdateRelationshipOp) Kind() BatchOpKind { return OpUpdateRelationship }
func (DeleteRelationshipOp) Kind() BatchOpKind { return OpDeleteRelationship }
func (UpdateMetadataOp) Kind() BatchOpKind     { return OpUpdateMetadata }

type batchEnvelope struct {
	Op   BatchOpKind     `json:"op"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the tagged envelope.
func (o BatchOperation) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, Wrap(KindSerialization, err, "encode %s payload", o.Op)
	}
	op := o.Op
	if op == "" && o.Data != nil {
		op = o.Data.Kind()
	}
	return json.Marshal(batchEnvelope{Op: op, Data: data})
}

// UnmarshalJSON decodes the tagged envelope into the matching payload type.
func (o *BatchOperation) UnmarshalJSON(b []byte) error {
	var env batchEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Wrap(KindSerialization, err, "decode batch operation")
	}
	var (
		p   BatchPayload
		err error
	)
	switch env.Op {
	case OpCreateMemory:
		p, err = decodePayload[CreateMemoryOp](env.Data)
	case OpUpdateMemory:
		p, err = decodePayload[UpdateMemoryOp](env.Data)
	case OpDeleteMemory:
		p, err = decodePayload[DeleteMemoryOp](env.Data)
	case OpCreateEntity:
		p, err = decodePayload[CreateEntityOp](env.Data)
	case OpUpdateEntity:
		p, err = decodePayload[UpdateEntityOp](env.Data)
	case OpDeleteEntity:
		p, err = decodePayload[DeleteEntityOp](env.Data)
	case OpCreateRelationship:
		p, err = decodePayload[CreateRelationshipOp](env.Data)
	case OpUpdateRelationship:
		p, err = decodePayload[UpdateRelationshipOp](env.Data)
	case OpDeleteRelationship:
		p, err = decodePayload[DeleteRelationshipOp](env.Data)
	case OpUpdateMetadata:
		p, err = decodePayload[UpdateMetadataOp](env.Data)
	default:
		return Errorf(KindSerialization, "unknown batch operation %q", env.Op)
	}
	if err != nil {
		return Wrap(KindSerialization, err, "decode %s payload", env.Op)
	}
	o.Op = env.Op
	o.Data = p
	return nil
}

func decodePayload[T BatchPayload](raw json.RawMessage) (BatchPayload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// BatchResult reports the outcome of one operation. Error is empty on success.
type BatchResult struct {
	OperationIndex int    `json:"operation_index"`
	ResourceID     string `json:"resource_id,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// Succeeded reports whether the operation was applied.
func (r BatchResult) Succeeded() bool { return r.Error == "" }

// BatchResponse is the outcome of a whole batch.
type BatchResponse struct {
	Results       []BatchResult `json:"results"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Transaction   bool          `json:"transaction"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// AddSuccess records an applied operation.
func (r *BatchResponse) AddSuccess(index int, resourceID string) {
	r.Results = append(r.Results, BatchResult{OperationIndex: index, ResourceID: resourceID})
	r.Completed++
}

// AddError records a failed operation with the error's kind as its code.
func (r *BatchResponse) AddError(index int, err error) {
	r.Results = append(r.Results, BatchResult{
		OperationIndex: index,
		Error:          err.Error(),
		ErrorCode:      string(KindOf(err)),
	})
	r.Failed++
}

// AddAborted records an operation skipped because the transaction rolled back.
func (r *BatchResponse) AddAborted(index int) {
	r.Results = append(r.Results, BatchResult{
		OperationIndex: index,
		Error:          "aborted: transaction rolled back",
		ErrorCode:      BatchCodeAborted,
	})
	r.Failed++
}

// HasErrors reports whether any operation failed.
func (r *BatchResponse) HasErrors() bool { return r.Failed > 0 }
