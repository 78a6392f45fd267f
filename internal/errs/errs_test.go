package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := WrapPath(ErrMalformedManifest, "load manifest", "pkgs/a/package.json", errors.New("unexpected EOF"))
	assert.Equal(t, `load manifest: malformed manifest "pkgs/a/package.json": unexpected EOF`, err.Error())

	err = New(ErrUnknownPackage, "resolve", "%q", "ghost")
	assert.Equal(t, `resolve: unknown package: "ghost"`, err.Error())
}

func TestClassification(t *testing.T) {
	err := WrapPath(ErrFs, "read", "/x", fs.ErrNotExist)
	assert.True(t, Is(err, ErrFs))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, ErrFs, KindOf(fmt.Errorf("outer: %w", err)))

	assert.Nil(t, KindOf(errors.New("plain")))
	assert.Nil(t, KindOf(nil))
	assert.Nil(t, Wrap(ErrVcs, "git", nil))
}

func TestKindOfJoined(t *testing.T) {
	joined := errors.Join(New(ErrInvalidChangeset, "validate", "x"), New(ErrUnknownPackage, "validate", "y"))
	assert.True(t, Is(joined, ErrUnknownPackage))
	assert.True(t, Is(joined, ErrInvalidChangeset))
	assert.NotNil(t, KindOf(joined))
}

func TestErrorsAs(t *testing.T) {
	var target *Error
	err := fmt.Errorf("wrapped: %w", New(ErrApplyConflict, "apply", "version changed"))
	if assert.True(t, errors.As(err, &target)) {
		assert.Equal(t, "apply", target.Op)
		assert.Equal(t, ErrApplyConflict, target.Kind)
	}
}
