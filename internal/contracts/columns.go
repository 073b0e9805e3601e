package contracts

// Column names of the persisted table.
// ⭐ SSOT: 테이블 컬럼 이름은 여기서만 정의
const (
	ColTimestamp = "timestamp"

	// Calendar features, recomputed from the timestamp every run.
	ColDayOfWeek = "day_of_week"
	ColHour      = "hour"
	ColMonth     = "month"

	ColNuclear   = "NuclearPowerMW"
	ColPrice     = "Price_cpkWh"
	ColPredicted = "PricePredict_cpkWh"

	// Per-station FMI columns are PrefixWindSpeed+fmisid and PrefixTemperature+fmisid.
	PrefixWindSpeed   = "ws_"
	PrefixTemperature = "t_"
)

// CalendarColumns are the derived columns in persisted order.
func CalendarColumns() []string {
	return []string{ColDayOfWeek, ColHour, ColMonth}
}

// IsCalendarColumn reports whether name is recomputed from the timestamp.
func IsCalendarColumn(name string) bool {
	switch name {
	case ColDayOfWeek, ColHour, ColMonth:
		return true
	}
	return false
}
