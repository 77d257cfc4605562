package engine

import "errors"

// IncompatibleInputTypeError indicates an engine received a message type it
// does not handle. For messages arriving over the network this is benign;
// from internal components it indicates a bug.
var IncompatibleInputTypeError = errors.New("incompatible input type")
