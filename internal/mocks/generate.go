// Package mocks provides gomock implementations of the collaborator
// interfaces used by the lifecycle stages.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	lookup := mocks.NewMockLookup(ctrl)
//	lookup.EXPECT().Tier(gomock.Any(), "u1").Return(profile.TierPaid, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=lookup_mock.go github.com/3leaps/annoflow/pkg/profile Lookup,Updater
