package cmd

import (
	"context"
	"errors"

	"github.com/3leaps/annoflow/internal/config"
)

// signalHealthChecker reports healthy while the process is handling
// signals; shutdown stops the server before it could report otherwise.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker fails when the worker was started without a complete
// identity, since env and config lookups would then resolve the wrong keys.
type identityHealthChecker struct {
	identity *config.Identity
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	id := c.identity
	switch {
	case id == nil:
		return errors.New("app identity not set")
	case id.BinaryName == "":
		return errors.New("app identity missing binary name")
	case id.EnvPrefix == "":
		return errors.New("app identity missing env prefix")
	case id.ConfigName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
