package interp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashArgsEmptyIsSentinel(t *testing.T) {
	assert.Equal(t, "empty_args", HashArgs(nil))
	assert.Equal(t, "empty_args", HashArgs(map[string]json.RawMessage{}))
}

func TestHashArgsStableAcrossKeyOrder(t *testing.T) {
	a := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}
	b := map[string]json.RawMessage{"b": json.RawMessage(`2`), "a": json.RawMessage(`1`)}
	assert.Equal(t, HashArgs(a), HashArgs(b))
}

func TestHashArgsDiffersOnValueChange(t *testing.T) {
	a := map[string]json.RawMessage{"a": json.RawMessage(`1`)}
	b := map[string]json.RawMessage{"a": json.RawMessage(`2`)}
	assert.NotEqual(t, HashArgs(a), HashArgs(b))
}

func TestHashArgsDiffersOnKeyChange(t *testing.T) {
	a := map[string]json.RawMessage{"a": json.RawMessage(`1`)}
	b := map[string]json.RawMessage{"c": json.RawMessage(`1`)}
	assert.NotEqual(t, HashArgs(a), HashArgs(b))
}
