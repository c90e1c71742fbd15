package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/locai/pkg/types"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := types.Errorf(types.KindNotFound, "memory %s", "m1")

	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NotErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, "not found: memory m1", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := types.Wrap(types.KindQuery, cause, "insert memory")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, types.ErrQuery)
	assert.Equal(t, types.KindQuery, types.KindOf(fmt.Errorf("outer: %w", err)))
	assert.Nil(t, types.Wrap(types.KindQuery, nil, "noop"))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, types.KindOperation, types.KindOf(errors.New("plain")))
	assert.Equal(t, types.ErrorKind(""), types.KindOf(nil))
	assert.True(t, types.IsKind(types.NewError(types.KindTemporary, "full"), types.KindTemporary))
}

func TestParseErrorKind(t *testing.T) {
	assert.Equal(t, types.KindTimeout, types.ParseErrorKind("timeout"))
	assert.Equal(t, types.KindOperation, types.ParseErrorKind("bogus"))
}
