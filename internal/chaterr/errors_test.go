package chaterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIs_MatchesByKind(t *testing.T) {
	req := require.New(t)

	err := New(KindForbidden, "only the creator can remove participants")
	req.ErrorIs(err, ErrForbidden)
	req.NotErrorIs(err, ErrNotFound)

	wrapped := fmt.Errorf("remove participant: %w", err)
	req.ErrorIs(wrapped, ErrForbidden)
	req.Equal(KindForbidden, KindOf(wrapped))
}

func TestWrap_KeepsCause(t *testing.T) {
	req := require.New(t)
	cause := errors.New("disk full")

	err := Wrap(KindInternal, "persist message", cause)
	req.ErrorIs(err, cause)
	req.ErrorIs(err, ErrInternal)
	req.Contains(err.Error(), "disk full")
}

func TestAs_ClassifiesUnknownAsInternal(t *testing.T) {
	req := require.New(t)

	e := As(errors.New("boom"))
	req.Equal(KindInternal, e.Kind)
	req.Equal(KindInternal, KindOf(errors.New("boom")))

	v := Validation("bad payload", map[string]string{"content": "required"})
	req.Same(v, As(fmt.Errorf("decode: %w", v)))
	req.Equal("required", As(v).Fields["content"])
}
