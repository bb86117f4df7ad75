package gamepads

import "bytes"

func extractFromBytes(src []byte) (t linuxEventType, name string, ok bool) {
	switch {
	case len(src) > 2 && bytes.HasPrefix(src, []byte("js")):
		return gamepadEventType, cString(src), true
	default:
		return irrelevantEventType, "", false
	}
}
