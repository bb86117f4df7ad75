package gamepads

const (
	ErrNotifierNotInitialized      = "notifier not initialized"
	ErrOsNotSupported              = "os is not supported (yet)"
	ErrJoystickAlreadySubscribed   = "joystick is already subscribed"
	ErrJoystickAlreadyUnsubscribed = "joystick is already unsubscribed"
	ErrJoystickNotFound            = "joystick with id '%s' was not found"
	ErrPollerRunning               = "poller is already running"
	ErrPollerNoSource              = "poller has no snapshot source"
)
