// Package timing implements the canonical 10,080 minute-slot week grid and
// the continuous engagement probability curve defined over it.
package timing

import (
	"fmt"
	"time"
)

const (
	MinutesPerWeek = 10_080
	MinutesPerDay  = 1_440
	MinutesPerHour = 60
)

var dayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// SlotOf converts a UTC instant to its canonical minute slot.
// Slot 0 = Monday 00:00 UTC; Monday is day 0.
func SlotOf(t time.Time) int {
	t = t.UTC()
	day := (int(t.Weekday()) + 6) % 7 // time.Weekday has Sunday = 0
	return day*MinutesPerDay + t.Hour()*MinutesPerHour + t.Minute()
}

// SlotTime converts a minute slot back to an instant within the week
// starting at weekStart (which must be a Monday 00:00 UTC).
func SlotTime(slot int, weekStart time.Time) (time.Time, error) {
	if slot < 0 || slot >= MinutesPerWeek {
		return time.Time{}, fmt.Errorf("slot must be 0-%d, got %d", MinutesPerWeek-1, slot)
	}
	return weekStart.UTC().Add(time.Duration(slot) * time.Minute), nil
}

// WeekStart returns Monday 00:00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	day := (int(t.Weekday()) + 6) % 7
	return midnight.AddDate(0, 0, -day)
}

// NextOccurrenceAfter returns the earliest minute-aligned UTC instant at or
// after t whose slot equals slot.
func NextOccurrenceAfter(slot int, t time.Time) time.Time {
	t = t.UTC()
	cur := SlotOf(t)
	delta := ((slot-cur)%MinutesPerWeek + MinutesPerWeek) % MinutesPerWeek
	candidate := t.Truncate(time.Minute).Add(time.Duration(delta) * time.Minute)
	if candidate.Before(t) {
		candidate = candidate.Add(MinutesPerWeek * time.Minute)
	}
	return candidate
}

// Neighborhood returns the closed slot interval [slot−radius, slot+radius]
// modulo the week, in window order.
func Neighborhood(slot, radius int) []int {
	if radius < 0 {
		radius = 0
	}
	if radius*2+1 >= MinutesPerWeek {
		radius = (MinutesPerWeek - 1) / 2
	}
	out := make([]int, 0, radius*2+1)
	for d := -radius; d <= radius; d++ {
		out = append(out, ((slot+d)%MinutesPerWeek+MinutesPerWeek)%MinutesPerWeek)
	}
	return out
}

// WindowSlots expands a [start, end] slot window (inclusive, possibly
// wrapping the week boundary) into the ordered slot sequence it covers.
func WindowSlots(start, end int) []int {
	start = ((start % MinutesPerWeek) + MinutesPerWeek) % MinutesPerWeek
	end = ((end % MinutesPerWeek) + MinutesPerWeek) % MinutesPerWeek
	if start <= end {
		out := make([]int, 0, end-start+1)
		for s := start; s <= end; s++ {
			out = append(out, s)
		}
		return out
	}
	out := make([]int, 0, MinutesPerWeek-start+end+1)
	for s := start; s < MinutesPerWeek; s++ {
		out = append(out, s)
	}
	for s := 0; s <= end; s++ {
		out = append(out, s)
	}
	return out
}

// ReadableLabel renders a slot as "Mon 09:00".
func ReadableLabel(slot int) string {
	slot = ((slot % MinutesPerWeek) + MinutesPerWeek) % MinutesPerWeek
	day := slot / MinutesPerDay
	rem := slot % MinutesPerDay
	return fmt.Sprintf("%s %02d:%02d", dayNames[day], rem/60, rem%60)
}
