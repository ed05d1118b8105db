package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calplan/internal/models"
)

func TestMinute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2025-01-15T10:00:00Z", "2025-01-15T10:00"},
		{"2025-01-15T10:00:00", "2025-01-15T10:00"},
		{"2025-01-15T10:00", "2025-01-15T10:00"},
		{"2025-01-15T10:00:59.0000000", "2025-01-15T10:00"},
		{"2025-01-15T10:00:00-05:00", "2025-01-15T10:00"},
		{"2025-01-15T10:00:00+01:00", "2025-01-15T10:00"},
		{"2025-01-15 9:05", "2025-01-15T09:05"},
		{"2025-01-15", "2025-01-15T00:00"},
		{" 2025-01-15T10:00:00z ", "2025-01-15T10:00"},
		{"", ""},
		{"not a date", ""},
		{"2025-13-01T10:00", ""},
		{"2025-01-15T25:00", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Minute(tt.in), "Minute(%q)", tt.in)
	}
}

func TestTimeKeyIsFormatInsensitive(t *testing.T) {
	a := TimeKey("Swim", "2025-01-15T10:00:00Z", "2025-01-15T11:00:00")
	b := TimeKey("Swim", "2025-01-15T10:00:00", "2025-01-15T11:00:00Z")
	assert.Equal(t, a, b)
	assert.Equal(t, "swim|2025-01-15T10:00|2025-01-15T11:00", a)
}

func TestSubjectKey(t *testing.T) {
	assert.Equal(t, "piano lesson", SubjectKey("  Piano Lesson "))
}

func TestOccurrenceKeyMatchesTimeKey(t *testing.T) {
	occ := models.Occurrence{
		Start: time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 6, 17, 30, 0, 0, time.UTC),
	}
	assert.Equal(t, TimeKey("Swim", "2025-01-06T17:00:00Z", "2025-01-06T17:30:00"), OccurrenceKey(" swim", occ))
}
