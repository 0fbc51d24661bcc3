package util

import (
	"testing"
	"time"
)

func TestIsUnset(t *testing.T) {
	tests := map[string]bool{
		"":        true,
		"  ":      true,
		"None":    true,
		" None ":  true,
		"none":    false,
		"newport": false,
	}

	for value, want := range tests {
		if got := IsUnset(value); got != want {
			t.Errorf("IsUnset(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"newport":         "Newport",
		"NEWPORT":         "Newport",
		"united kingdom ": "United Kingdom",
	}

	for in, want := range tests {
		if got := TitleCase(in); got != want {
			t.Errorf("TitleCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFloatList(t *testing.T) {
	values, err := ParseFloatList("-3.1, 51.5", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values[0] != -3.1 || values[1] != 51.5 {
		t.Fatalf("unexpected values %v", values)
	}

	if _, err := ParseFloatList("1,2,3", 4); err == nil {
		t.Fatal("expected a length error")
	}
	if _, err := ParseFloatList("1,x", 2); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestInPlaceFilterAndUnique(t *testing.T) {
	values := []int{1, 2, 3, 4, 5, 6}
	InPlaceFilter(&values, func(v int) bool { return v%2 == 0 })
	if len(values) != 3 || values[0] != 2 || values[2] != 6 {
		t.Fatalf("unexpected filtered slice %v", values)
	}

	unique := Unique([]string{"b", "", "a", "b", "a"})
	if len(unique) != 2 || unique[0] != "b" || unique[1] != "a" {
		t.Fatalf("unexpected unique slice %v", unique)
	}
}

func TestAddTimeToDate(t *testing.T) {
	date, err := ParseDate("20231027")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	departure := AddTimeToDate(date, time.Date(0, 1, 1, 8, 30, 0, 0, time.UTC))
	if departure.Format(time.RFC3339) != "2023-10-27T08:30:00Z" {
		t.Fatalf("unexpected departure %s", departure.Format(time.RFC3339))
	}
	if !SameDay(date, departure) || FormatDate(departure) != "20231027" {
		t.Fatal("expected the departure to stay on the analysis date")
	}
}
