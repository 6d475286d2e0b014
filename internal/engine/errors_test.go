package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"exact", errors.New("database has been invalidated"), true},
		{"case insensitive", errors.New("Database Has Been Invalidated!!"), true},
		{"wrapped", errWrap(errors.New("database has been invalidated: fatal")), true},
		{"unrelated", errors.New("syntax error near SELECT"), false},
		{"table not found", errors.New(`table "x" not found`), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, IsFatal(c.err))
		})
	}
}

func errWrap(err error) error {
	return errors.New("context: " + err.Error())
}
