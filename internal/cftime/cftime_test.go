package cftime

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeStandard(t *testing.T) {
	times, err := Decode([]float64{0, 31, 59}, "days since 1850-01-01 00:00:00", "standard")
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(1850, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1850, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1850, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	for i, w := range want {
		if !times[i].Equal(w) {
			t.Errorf("index %d: have %v, want %v", i, times[i], w)
		}
	}
}

func TestDecodeHours(t *testing.T) {
	times, err := Decode([]float64{36}, "hours since 2000-01-01 06:00:00", "gregorian")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2000, 1, 2, 18, 0, 0, 0, time.UTC)
	if !times[0].Equal(want) {
		t.Errorf("have %v, want %v", times[0], want)
	}
}

func TestDecodeNoLeap(t *testing.T) {
	// 1850 is not a leap year in any case, but the noleap calendar also
	// skips Feb 29 in years divisible by 4.
	times, err := Decode([]float64{365 + 59}, "days since 1851-01-01", "noleap")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(1852, 3, 1, 0, 0, 0, 0, time.UTC)
	if !times[0].Equal(want) {
		t.Errorf("have %v, want %v", times[0], want)
	}
}

func TestDecode360Day(t *testing.T) {
	times, err := Decode([]float64{90}, "days since 1900-01-01", "360_day")
	if err != nil {
		t.Fatal(err)
	}
	if times[0].Year() != 1900 || times[0].Month() != 4 {
		t.Errorf("have %v, want 1900-04-01", times[0])
	}
}

func TestDecodePreYearOne(t *testing.T) {
	_, err := Decode([]float64{0}, "days since 0000-01-01 00:00:00", "noleap")
	if !errors.Is(err, ErrPreYearOne) {
		t.Fatalf("have %v, want ErrPreYearOne", err)
	}
}

// Decoding against a pre-year-one reference must produce dates whose years
// equal the reference year plus the offset obtained from the shifted decode.
func TestDecodeAutoYearZero(t *testing.T) {
	nums := []float64{0, 365, 365 * 10}
	times, usedUnits, err := DecodeAuto(nums, "days since 0000-01-01 00:00:00", "noleap")
	if err != nil {
		t.Fatal(err)
	}
	if usedUnits != "days since 0001-01-01 00:00:00" {
		t.Errorf("shifted units: have %q", usedUnits)
	}

	shifted, err := Decode(nums, usedUnits, "noleap")
	if err != nil {
		t.Fatal(err)
	}
	for i := range nums {
		want := shifted[i].Year() - 1
		if times[i].Year() != want {
			t.Errorf("index %d: have year %d, want %d", i, times[i].Year(), want)
		}
	}
}

func TestDecodeAutoPassThrough(t *testing.T) {
	nums := []float64{12.25}
	direct, err := Decode(nums, "days since 1979-01-01", "standard")
	if err != nil {
		t.Fatal(err)
	}
	auto, usedUnits, err := DecodeAuto(nums, "days since 1979-01-01", "standard")
	if err != nil {
		t.Fatal(err)
	}
	if usedUnits != "days since 1979-01-01" {
		t.Errorf("units changed on pass-through: %q", usedUnits)
	}
	if !auto[0].Equal(direct[0]) {
		t.Errorf("have %v, want %v", auto[0], direct[0])
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	units := "days since 1850-01-01 00:00:00"
	for _, cal := range []string{"standard", "noleap", "360_day"} {
		nums := []float64{0, 100, 3650}
		times, err := Decode(nums, units, cal)
		if err != nil {
			t.Fatal(err)
		}
		back, err := Encode(times, units, cal)
		if err != nil {
			t.Fatal(err)
		}
		for i := range nums {
			if back[i] != nums[i] {
				t.Errorf("calendar %s index %d: have %g, want %g", cal, i, back[i], nums[i])
			}
		}
	}
}

func TestParseUnitsErrors(t *testing.T) {
	if _, err := ParseUnits("days after 1850-01-01"); err == nil {
		t.Error("expected error for missing 'since'")
	}
	if _, err := ParseUnits("fortnights since 1850-01-01"); err == nil {
		t.Error("expected error for unsupported period")
	}
}
