package billing

import (
	"fmt"
	"time"
)

var monthNames = [...]string{
	"Januari", "Februari", "Maret", "April", "Mei", "Juni",
	"Juli", "Agustus", "September", "Oktober", "November", "Desember",
}

// Period is a (month, year) billing cycle.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return validationf("month must be between 1 and 12, got %d", p.Month)
	}
	if p.Year < 1 {
		return validationf("year must be positive, got %d", p.Year)
	}
	return nil
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

// String renders the period as "Maret 2025".
func (p Period) String() string {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Sprintf("%d/%d", p.Month, p.Year)
	}
	return fmt.Sprintf("%s %d", monthNames[p.Month-1], p.Year)
}

// PeriodOf returns the period containing t in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	t = t.In(loc)
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// BillID is the deterministic id of a meter-derived bill.
func BillID(residentID string, month, year int) string {
	return fmt.Sprintf("bill-%s-%d-%d", residentID, month, year)
}

// ReadingID is the id of a meter reading.
func ReadingID(residentID string, month, year int) string {
	return fmt.Sprintf("meter-%s-%d-%d", residentID, month, year)
}
