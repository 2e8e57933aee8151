package actor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type routed struct{ V int }

func (routed) MsgType() string { return "trackr.routed" }

func TestMsgType_override(t *testing.T) {
	require.Equal(t, "trackr.routed", msgTypeFor[routed]())
	require.Equal(t, "trackr.routed", msgTypeOf(routed{}))

	a := newTestActor(t, HandleRequest[routed, routed](func(_ HandlerCtx, m routed) (*routed, error) {
		return &routed{V: m.V * 2}, nil
	}))
	res, err := Request[routed, routed](t.Context(), a, routed{V: 21})
	require.NoError(t, err)
	require.Equal(t, 42, res.V)
}
