package profiles

import (
	"strings"
	"time"

	"behaviorwatch/pkg/models"
)

// apiRateAlpha weights the newest completed hour in the API-rate average.
const apiRateAlpha = 0.2

// maxIdleHours caps how many empty hours are folded into the rate after a gap.
const maxIdleHours = 24

func learn(b *models.Baseline, rec models.ActivityRecord) {
	ts := rec.Timestamp
	observeInt(b.WorkingDays, int(ts.Weekday()), ts)

	action := strings.TrimSpace(rec.Details.Action)
	if action == "" {
		action = string(rec.Kind)
	}
	observeString(b.CommonActions, action, ts)

	switch rec.Kind {
	case models.ActivityLogin:
		observeInt(b.LoginHours, ts.Hour(), ts)
		if loc := strings.TrimSpace(rec.Details.Location); loc != "" {
			observeString(b.Locations, loc, ts)
		}
		if dev := rec.DeviceFingerprint(); dev != "" {
			observeString(b.Devices, dev, ts)
		}
	case models.ActivityAPICall:
		observeAPICall(b, ts)
	}
}

func observeInt(set map[int]time.Time, v int, ts time.Time) {
	if seen, ok := set[v]; !ok || ts.Before(seen) {
		set[v] = ts
	}
}

func observeString(set map[string]time.Time, v string, ts time.Time) {
	if seen, ok := set[v]; !ok || ts.Before(seen) {
		set[v] = ts
	}
}

// observeAPICall counts calls in hourly buckets and folds each completed bucket
// into an exponentially weighted hourly rate.
func observeAPICall(b *models.Baseline, ts time.Time) {
	bucket := ts.Truncate(time.Hour)
	switch {
	case b.APIBucketStart.IsZero():
		b.APIBucketStart = bucket
		b.APIBucketCount = 1
	case bucket.Equal(b.APIBucketStart) || bucket.Before(b.APIBucketStart):
		b.APIBucketCount++
	default:
		foldRate(b, float64(b.APIBucketCount))
		idle := int(bucket.Sub(b.APIBucketStart)/time.Hour) - 1
		if idle > maxIdleHours {
			idle = maxIdleHours
		}
		for i := 0; i < idle; i++ {
			foldRate(b, 0)
		}
		b.APIBucketStart = bucket
		b.APIBucketCount = 1
	}
}

func foldRate(b *models.Baseline, count float64) {
	if b.APIHoursSeen == 0 {
		b.APICallRate = count
	} else {
		b.APICallRate = apiRateAlpha*count + (1-apiRateAlpha)*b.APICallRate
	}
	b.APIHoursSeen++
}
