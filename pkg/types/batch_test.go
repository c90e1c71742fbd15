package types_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/pkg/types"
)

func TestBatchOperationDecodesTaggedEnvelope(t *testing.T) {
	raw := `[
		{"op":"create_memory","data":{"id":"a","content":"first","priority":"high"}},
		{"op":"create_relationship","data":{"source":"a","target":"b","relationship_type":"references","bidirectional":true}},
		{"op":"update_metadata","data":{"memory_id":"a","metadata":{"k":1}}}
	]`

	var ops []types.BatchOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &ops))
	require.Len(t, ops, 3)

	create, ok := ops[0].Data.(types.CreateMemoryOp)
	require.True(t, ok)
	assert.Equal(t, "a", create.ID)
	assert.Equal(t, types.PriorityHigh, create.Priority)

	rel, ok := ops[1].Data.(types.CreateRelationshipOp)
	require.True(t, ok)
	assert.True(t, rel.Bidirectional)

	assert.Equal(t, types.OpUpdateMetadata, ops[2].Op)
}

func TestBatchOperationEncodesEnvelope(t *testing.T) {
	op := types.NewBatchOperation(types.DeleteMemoryOp{ID: "m1"})
	b, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"delete_memory","data":{"id":"m1"}}`, string(b))
}

func TestBatchOperationRejectsUnknownOp(t *testing.T) {
	var op types.BatchOperation
	err := json.Unmarshal([]byte(`{"op":"explode","data":{}}`), &op)
	assert.ErrorIs(t, err, types.ErrSerialization)
}

func TestBatchResponseCounters(t *testing.T) {
	var r types.BatchResponse
	r.AddSuccess(0, "a")
	r.AddError(1, types.NewError(types.KindAlreadyExists, "a"))
	r.AddAborted(2)
	r.AddError(3, errors.New("plain"))

	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 3, r.Failed)
	assert.True(t, r.HasErrors())
	assert.Equal(t, string(types.KindAlreadyExists), r.Results[1].ErrorCode)
	assert.Equal(t, types.BatchCodeAborted, r.Results[2].ErrorCode)
	assert.True(t, r.Results[0].Succeeded())
}

func TestRelationshipTypeNameRules(t *testing.T) {
	require.NoError(t, types.ValidateRelationshipTypeName("part_of"))
	require.NoError(t, types.ValidateRelationshipTypeName("co-author2"))
	assert.ErrorIs(t, types.ValidateRelationshipTypeName(""), types.ErrValidation)
	assert.ErrorIs(t, types.ValidateRelationshipTypeName("has space"), types.ErrValidation)

	def := types.NewRelationshipTypeDef("similar_to")
	def.Symmetric = true
	def.WithInverse("other")
	assert.ErrorIs(t, def.Validate(), types.ErrValidation)
}
