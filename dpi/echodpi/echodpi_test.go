package echodpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdd(t *testing.T) {
	funcs := New(0)
	out := make([]uint32, funcs[FuncAdd].OutArgWords)
	result := funcs[FuncAdd].Callback([]uint32{3, 4}, out)
	assert.Equal(t, uint64(7), result)
}

func TestEchoWritesOutArg(t *testing.T) {
	funcs := New(0)
	out := make([]uint32, funcs[FuncEcho].OutArgWords)
	result := funcs[FuncEcho].Callback([]uint32{42}, out)
	assert.Equal(t, uint64(42), result)
	assert.Equal(t, uint32(42), out[0])
}

func TestScratchReadWrite(t *testing.T) {
	funcs := New(0)
	scratch := funcs[FuncScratch]

	scratch.Callback([]uint32{1, 5, 0xAB}, nil) // write addr=5, val=0xAB
	out := make([]uint32, 1)
	result := scratch.Callback([]uint32{0, 5, 0}, out)

	assert.Equal(t, uint64(0xAB), result)
	assert.Equal(t, uint32(0xAB), out[0])
}

func TestResetValReturnsConfiguredValue(t *testing.T) {
	funcs := New(0xDEADBEEF)
	result := funcs[FuncResetVal].Callback(nil, nil)
	assert.Equal(t, uint64(0xDEADBEEF), result)
}
