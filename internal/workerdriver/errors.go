package workerdriver

import "errors"

var (
	errDeadlineExceeded = errors.New("workerdriver: call deadline exceeded")
	errTransportClosed  = errors.New("workerdriver: transport closed")
	errInvalidJSONLine  = errors.New("workerdriver: agent stdout line is not a JSON object")
)
