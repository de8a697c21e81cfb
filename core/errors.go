package core

import (
	"errors"

	"agentlink/tools"
	"agentlink/transport"
)

// Error kinds surfaced by the pipeline. Wrapped with fmt.Errorf and tested
// with errors.Is.
var (
	ErrUnknownTool      = tools.ErrUnknownTool
	ErrToolExecution    = errors.New("tool execution failed")
	ErrUnmatchedResult  = errors.New("tool result has no outstanding request")
	ErrDuplicateResult  = errors.New("tool result already sent for request")
	ErrDuplicateRequest = errors.New("tool request id already in use")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrTransport        = errors.New("transport failure")
	ErrPlaybackParse    = errors.New("invalid session log")
	ErrPlaybackActive   = errors.New("playback is active")
	ErrNotConnected     = transport.ErrNotConnected
)
