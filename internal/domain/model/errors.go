package model

import "errors"

// ErrValidation is wrapped by every input validation failure.
var ErrValidation = errors.New("validation failed")
