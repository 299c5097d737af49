// Package lifecycle implements the stages that move an annotation job from
// submission to completion and between hot and cold result storage.
//
// Each stage is an independent consumer: the dispatch, archive, restore and
// thaw workers are Handlers driven by a Poller, while the completion reporter
// and the submit/upgrade entry points are invoked directly. Stages never call
// each other; they hand off through queue messages and agree on job state only
// through the record store's conditional writes.
package lifecycle

import (
	"context"
	"time"

	"github.com/3leaps/annoflow/pkg/provider"
)

// ObjectResolver returns the hot storage holding a location.
// *provider.Registry implements it.
type ObjectResolver interface {
	For(ctx context.Context, loc provider.Location) (provider.ObjectStore, error)
}

func nowOr(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}
