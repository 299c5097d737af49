//go:build cloudintegration

package dynamo_test

import (
	"testing"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/jobrecord/dynamo"
	"github.com/3leaps/annoflow/pkg/jobrecord/storetest"
	"github.com/3leaps/annoflow/test/cloudtest"
)

func TestStoreConformance_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	storetest.Run(t, func(t *testing.T) jobrecord.Store {
		table := cloudtest.CreateJobTable(t, t.Context())
		return dynamo.NewWithClient(cloudtest.DynamoDBClientT(t), table, dynamo.DefaultUserIndex)
	})
}
