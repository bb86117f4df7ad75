package gamepads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/doingharm/gamepad-relay/state"
)

// linuxEventType is an enumeration of possible event types on a Linux system.
type linuxEventType uint8

const (
	irrelevantEventType linuxEventType = iota
	gamepadEventType
)

const (
	defaultInputPath = "/dev/input"
	// pollTimeoutMs bounds how long the watcher waits before rechecking for stop.
	pollTimeoutMs = 250
)

type notifyLinux struct {
	sync.RWMutex
	ctx           context.Context
	cancelFunc    context.CancelFunc
	logger        zerolog.Logger
	inputPath     string
	autoSubscribe bool
	gp            []*gamepadLinux
	emit          func(*Event)
	emitErr       func(error)
	watchDone     chan struct{}
}

// newNotifier creates a Linux-specific gamepad notification system.
func newNotifier(parent context.Context, o options, emit func(*Event), emitErr func(error)) (notify, error) {

	nl := &notifyLinux{
		logger:        o.logger,
		inputPath:     o.inputPath,
		autoSubscribe: o.autoSubscribe,
		emit:          emit,
		emitErr:       emitErr,
		watchDone:     make(chan struct{}),
	}

	// Create a new context with a cancel function for stopping the notification system.
	nl.ctx, nl.cancelFunc = context.WithCancel(parent)

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		nl.cancelFunc()
		return nil, fmt.Errorf("inotify init failed: %w", err)
	}

	if _, err = unix.InotifyAddWatch(fd, nl.inputPath, unix.IN_CREATE|unix.IN_DELETE); err != nil {
		_ = unix.Close(fd)
		nl.cancelFunc()
		return nil, fmt.Errorf("inotify add watch failed: %w", err)
	}

	// Devices present before the watch started.
	current, err := os.ReadDir(nl.inputPath)
	if err != nil {
		_ = unix.Close(fd)
		nl.cancelFunc()
		return nil, err
	}
	for _, entry := range current {
		nl.handleEvent(unix.IN_CREATE, []byte(entry.Name()))
	}

	go nl.watch(fd)

	return nl, nil
}

func (nl *notifyLinux) watch(fd int) {
	defer close(nl.watchDone)
	defer func() {
		if err := unix.Close(fd); err != nil {
			nl.emitErr(fmt.Errorf("inotify close failed: %w", err))
		}
	}()

	buf := make([]byte, 4096)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {

		select {
		case <-nl.ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			nl.emitErr(fmt.Errorf("inotify poll failed: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		n, err = unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			nl.emitErr(fmt.Errorf("read failed: %w", err))
			return
		}

		var offset uint32
		for offset+unix.SizeofInotifyEvent <= uint32(n) {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+event.Len]
			nl.handleEvent(event.Mask, nameBytes)
			offset += unix.SizeofInotifyEvent + event.Len
		}
	}
}

// gamepads returns a list of connected gamepads.
func (nl *notifyLinux) gamepads() (devices []Gamepad) {
	nl.RLock()
	defer nl.RUnlock()
	for _, j := range nl.gp {
		devices = append(devices, j.info())
	}
	return
}

// snapshot returns the raw state of the first subscribed gamepad.
func (nl *notifyLinux) snapshot() *state.RawSnapshot {
	nl.RLock()
	defer nl.RUnlock()
	for _, j := range nl.gp {
		if j.isSubscribed() {
			return j.state.snapshot()
		}
	}
	return nil
}

// stop stops the notification system.
func (nl *notifyLinux) stop() (err error) {

	nl.RLock()
	for _, gp := range nl.gp {
		if gp.isSubscribed() {
			_ = gp.unsubscribe()
		}
	}
	nl.RUnlock()

	nl.cancelFunc()
	<-nl.watchDone
	return
}

// subscribe subscribes to the gamepad with the given ID.
func (nl *notifyLinux) subscribe(id string) (err error) {
	nl.RLock()
	defer nl.RUnlock()

	for _, gp := range nl.gp {
		if gp.id != id {
			continue
		}

		return gp.subscribe(nl.ctx, nl.emit, nl.emitErr)

	}

	return fmt.Errorf(ErrJoystickNotFound, id)
}

// unsubscribe unsubscribes from the gamepad with the given ID.
func (nl *notifyLinux) unsubscribe(id string) (err error) {
	nl.RLock()
	defer nl.RUnlock()

	for _, gp := range nl.gp {
		if gp.id != id {
			continue
		}

		return gp.unsubscribe()

	}

	return fmt.Errorf(ErrJoystickNotFound, id)
}

// handleEvent is called when a new event is received from the inotify system.
func (nl *notifyLinux) handleEvent(mask uint32, bt []byte) {

	t, name, ok := extractFromBytes(bt)

	if !ok || t != gamepadEventType {
		return
	}

	switch {
	case mask&unix.IN_CREATE != 0:
		nl.connectGamepad(name)
	case mask&unix.IN_DELETE != 0:
		nl.disconnectGamepad(name)
	}
}

// connectGamepad is called when a new gamepad device is connected.
func (nl *notifyLinux) connectGamepad(name string) {

	path := filepath.Join(nl.inputPath, name)

	newGp, err := newLinuxGamepad(name, path)
	if err != nil {
		nl.emitErr(err)
		return
	}

	nl.Lock()
	nl.gp = append(nl.gp, newGp)
	nl.Unlock()

	if nl.autoSubscribe {
		if err = newGp.subscribe(nl.ctx, nl.emit, nl.emitErr); err != nil {
			nl.emitErr(err)
		}
	}

	nl.logger.Info().Str("gamepad", newGp.id).Str("model", newGp.devName).Msg("gamepad connected")

	nl.emit(&Event{
		Type: ConnectEventType,
		ID:   newGp.id,
		Data: newGp.info(),
	})
}

// disconnectGamepad forgets a removed device.
func (nl *notifyLinux) disconnectGamepad(name string) {

	nl.Lock()
	var kept []*gamepadLinux
	var removed *gamepadLinux
	for _, gp := range nl.gp {
		if gp.id == name {
			removed = gp
			continue
		}
		kept = append(kept, gp)
	}
	nl.gp = kept
	nl.Unlock()

	if removed == nil {
		return
	}
	if removed.isSubscribed() {
		_ = removed.unsubscribe()
	}

	nl.logger.Info().Str("gamepad", name).Msg("gamepad disconnected")

	nl.emit(&Event{
		Type: DisconnectEventType,
		ID:   name,
		Data: nil,
	})
}
