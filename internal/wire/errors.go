package wire

import "errors"

// ErrMalformed is returned by any decoder when the buffer is shorter than
// the field being decoded requires.
var ErrMalformed = errors.New("wire: malformed or truncated packet")

// ErrUnknownPacketCode is returned when the common header names a packet
// code this codec does not recognise.
var ErrUnknownPacketCode = errors.New("wire: unknown packet code")

// ErrUnknownMsgType is returned when a federation header names a message
// type this codec does not recognise.
var ErrUnknownMsgType = errors.New("wire: unknown federation message type")
