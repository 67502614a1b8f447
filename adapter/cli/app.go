package cli

import (
	"github.com/fanpledge/fanpledge/internal/app"
)

var currentApp *app.Container

// SetApp sets the wired container for commands to use.
func SetApp(c *app.Container) {
	currentApp = c
}

// GetApp returns the wired container, or nil when running without one.
func GetApp() *app.Container {
	return currentApp
}
