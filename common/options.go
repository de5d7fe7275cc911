package common

import (
	"time"

	"github.com/mstoykov/envconfig"
)

// Options configures a browser connection. Fields can be populated from the
// environment via NewOptions.
type Options struct {
	// WSURL is the DevTools websocket endpoint to connect to.
	WSURL string `json:"wsURL" envconfig:"TRUEDRIVER_WS_URL"`

	// Timeout bounds element queries and frame switches.
	Timeout time.Duration `json:"timeout" envconfig:"TRUEDRIVER_TIMEOUT"`

	// NavigationTimeout bounds navigations, which routinely take longer
	// than element queries.
	NavigationTimeout time.Duration `json:"navigationTimeout" envconfig:"TRUEDRIVER_NAVIGATION_TIMEOUT"`

	// Debug enables debug logging regardless of the logger's level.
	Debug bool `json:"debug" envconfig:"TRUEDRIVER_DEBUG"`
}

// NewOptions builds Options from defaults overlaid with the environment.
func NewOptions() (Options, error) {
	opts := Options{
		Timeout:           DefaultTimeout,
		NavigationTimeout: DefaultTimeout,
	}
	if err := envconfig.Process("", &opts); err != nil {
		return opts, err
	}
	return opts, nil
}
