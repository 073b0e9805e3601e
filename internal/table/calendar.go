package table

import (
	"time"

	"github.com/wonny/spotcast/internal/contracts"
)

// ApplyCalendar recomputes the derived calendar columns for every row.
// Values are pure functions of the UTC timestamp; whatever was persisted or
// merged into these columns is overwritten.
func ApplyCalendar(t *Table) {
	for _, c := range contracts.CalendarColumns() {
		t.AddColumn(c)
	}
	for _, ts := range t.index {
		dow, hour, month := Calendar(ts)
		_ = t.Set(ts, contracts.ColDayOfWeek, contracts.F(float64(dow)))
		_ = t.Set(ts, contracts.ColHour, contracts.F(float64(hour)))
		_ = t.Set(ts, contracts.ColMonth, contracts.F(float64(month)))
	}
}

// Calendar returns ISO day of week (Mon=1..Sun=7), hour and month of ts in UTC.
func Calendar(ts time.Time) (dayOfWeek, hour, month int) {
	ts = ts.UTC()
	dow := int(ts.Weekday())
	if dow == 0 {
		dow = 7
	}
	return dow, ts.Hour(), int(ts.Month())
}
