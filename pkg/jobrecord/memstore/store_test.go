package memstore

import (
	"testing"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/jobrecord/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobrecord.Store {
		return New()
	})
}
