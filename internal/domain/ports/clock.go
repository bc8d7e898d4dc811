package ports

import "time"

// ClockPolicy encodes the remote source's publication schedule.
type ClockPolicy interface {
	ShouldFetch(lastFetch *time.Time, now time.Time) bool
	// Today is now's calendar day in the publication timezone.
	Today(now time.Time) time.Time
	// LatestPublishedDate is the most recent publishing day whose cutover
	// has passed at now.
	LatestPublishedDate(now time.Time) time.Time
	IsPublishingDay(date time.Time) bool
}
