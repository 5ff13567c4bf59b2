package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("item[0]: %w", ErrValidation), true},
		{ErrUnauthorized, false},
		{ErrNotFound, false},
		{ErrVersionConflict, false},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsPermanent(c.err); got != c.want {
			t.Fatalf("IsPermanent(%v)=%v, want %v", c.err, got, c.want)
		}
	}
}
