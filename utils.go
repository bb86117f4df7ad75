package gamepads

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	deviceOpenAttempts = 5
	deviceOpenBackoff  = 200 * time.Millisecond
)

// cString returns the NUL-terminated prefix of a kernel-filled buffer.
func cString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

// openDevice opens a joystick node read-only. A freshly created node is
// briefly root-owned until udev applies its rules, so permission errors
// are retried.
func openDevice(path string) (*os.File, error) {
	var err error
	for attempt := 1; attempt <= deviceOpenAttempts; attempt++ {
		var f *os.File
		if f, err = os.OpenFile(path, os.O_RDONLY, 0); err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrPermission) {
			return nil, err
		}
		if attempt < deviceOpenAttempts {
			time.Sleep(deviceOpenBackoff)
		}
	}
	return nil, fmt.Errorf("open %s after %d attempts: %w", path, deviceOpenAttempts, err)
}

// controlMap copies the first count entries of a driver mapping table.
func controlMap[T uint8 | uint16](table []T, count int) []int {
	if count <= 0 {
		return nil
	}
	count = min(count, len(table))
	dest := make([]int, count)
	for i, code := range table[:count] {
		dest[i] = int(code)
	}
	return dest
}
