package shell

import "fmt"

// ProtocolError reports a peer violating the framing rules (bad size, bad
// channel, wrong direction, window desync, window overflow, unrecognized
// command). It is always fatal: the shell that raised it must not be used
// again, mirroring core.c's die_proto_error, which aborts the whole process.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.msg }

func protoErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}
