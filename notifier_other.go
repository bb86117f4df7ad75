//go:build !linux

package gamepads

import (
	"context"
	"errors"
)

const defaultInputPath = ""

func newNotifier(context.Context, options, func(*Event), func(error)) (notify, error) {
	return nil, errors.New(ErrOsNotSupported)
}
