package reconcile

import (
	"context"
	"time"

	"proxysync/internal/member"
)

// Fetcher retrieves the authoritative member set.
// Production: adapter/authority.Fetcher
// Testing: fake.Fetcher with injectable desired state and faults
type Fetcher interface {
	Fetch(ctx context.Context) (member.Set, error)
}

// MutationClient adds and removes members on one logical target.
// Both calls must be idempotent: adding a present identity and removing an
// absent one succeed.
// Production: adapter/xray.Client
// Testing: fake.MutationTarget tracking live members in memory
type MutationClient interface {
	AddMember(ctx context.Context, m member.Member) error
	RemoveMember(ctx context.Context, identity string) error
}

// MemberValidator is an optional MutationClient extension that rejects a
// member locally, before any call reaches the target. An update whose new
// attributes fail validation leaves the live member in place.
// Production: adapter/xray.Client
// Testing: fake.MutationTarget.Validate
type MemberValidator interface {
	ValidateMember(m member.Member) error
}

// ReportSink consumes the report of every finished cycle.
// Production: LogSink, adapter/sqlite.Journal
// Testing: fake.ReportSink
type ReportSink interface {
	Record(ctx context.Context, report CycleReport) error
}

// Clock abstracts time so waits can be simulated in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
