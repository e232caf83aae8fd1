package option

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSome(t *testing.T) {
	o := Some(42)
	assert.True(t, o.IsSome())
	assert.False(t, o.IsNothing())
	assert.Equal(t, 42, o.Unwrap())
}

func TestNothing(t *testing.T) {
	o := Nothing[string]()
	assert.False(t, o.IsSome())
	assert.True(t, o.IsNothing())
}

func TestUnwrapPanicsOnNothing(t *testing.T) {
	o := Nothing[int]()
	assert.Panics(t, func() { o.Unwrap() })
}

func TestUnwrapOr(t *testing.T) {
	assert.Equal(t, 7, Some(7).UnwrapOr(1))
	assert.Equal(t, 1, Nothing[int]().UnwrapOr(1))
}

func TestSomeOfNilPointerIsStillSome(t *testing.T) {
	// a Some wrapping a typed nil is present; callers rely on the
	// distinction when a lookup legitimately stores nil
	var p *int
	o := Some(p)
	assert.True(t, o.IsSome())
	assert.Nil(t, o.Unwrap())
}

func TestString(t *testing.T) {
	assert.Equal(t, "Some(3)", Some(3).String())
	assert.Equal(t, "Nothing", Nothing[int]().String())
}
