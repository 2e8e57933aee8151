package actor

import "github.com/codewandler/trackr/internal/typename"

// msgTyper lets a message choose its routing name over the derived type name.
type msgTyper interface{ MsgType() string }

func msgTypeFor[T any]() string {
	var z T
	if mt, ok := any(z).(msgTyper); ok {
		return mt.MsgType()
	}
	return typename.For[T]()
}

func msgTypeOf(x any) string {
	if mt, ok := x.(msgTyper); ok {
		return mt.MsgType()
	}
	return typename.Of(x)
}
