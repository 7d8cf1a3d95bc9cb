package server

import (
	"github.com/pkg/errors"

	"github.com/wiremux/wiremux/pkg/wmp/codec/operation"
)

// Handler responds to operations from the client.
// Methods are called on their own goroutine and may block.
type Handler interface {
	// Append stores the records in the request payload and returns the
	// response payload.
	Append(req []byte) (resp []byte, err error)

	// Fetch reads back records described by the request payload.
	Fetch(req []byte) (resp []byte, err error)

	// Heartbeat is notified whenever a client identified by clientID
	// reports liveness. It is called on the serve goroutine and must
	// not block.
	Heartbeat(clientID string)
}

// Action maps an operation to the handler method serving it.
type Action struct {
	act func(handler Handler, req []byte) ([]byte, error)
}

var actionMap = map[operation.Operation]*Action{
	{Code: operation.OpAppend}: {act: func(handler Handler, req []byte) ([]byte, error) {
		return handler.Append(req)
	}},
	{Code: operation.OpFetch}: {act: func(handler Handler, req []byte) ([]byte, error) {
		return handler.Fetch(req)
	}},
}

var unknownAction = &Action{act: func(_ Handler, _ []byte) ([]byte, error) {
	return nil, errors.New("unsupported operation")
}}

// GetAction returns the Action for the operation.
// Unknown operations get an action that fails with a system error.
func GetAction(op operation.Operation) *Action {
	if action, ok := actionMap[op]; ok {
		return action
	}
	return unknownAction
}
