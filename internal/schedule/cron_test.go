package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 9 * * *", "UTC"))
	assert.NoError(t, ValidateCron("*/15 * * * *", "America/New_York"))
	assert.NoError(t, ValidateCron("@daily", ""))

	assert.Error(t, ValidateCron("61 * * * *", "UTC"))
	assert.Error(t, ValidateCron("banana", "UTC"))
	assert.Error(t, ValidateCron("0 9 * * *", "Not/AZone"))
}

func TestNextRunHonorsTimezone(t *testing.T) {
	// 9:00 in Berlin during winter is 8:00 UTC.
	after := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", "Europe/Berlin", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), next)

	// Empty timezone means UTC.
	next, err = NextRun("0 9 * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC), next)
}

func TestDescribeCron(t *testing.T) {
	assert.Equal(t, "every 5 minutes", DescribeCron("*/5 * * * *"))
	assert.Equal(t, "daily at midnight", DescribeCron("@daily"))
	assert.Equal(t, "weekdays at 9:00", DescribeCron("0 9 * * 1-5"))
	// Extra whitespace is normalized before lookup.
	assert.Equal(t, "every hour", DescribeCron("0  *  *  * *"))
	// Unknown expressions fall back to the raw form.
	assert.Equal(t, "7 3 2 1 *", DescribeCron("7 3 2 1 *"))
}
