package matching

import (
	"math"
	"testing"
	"time"

	"rntitrack/sample"
)

func windowOf(values ...float64) sample.Window {
	start := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	pts := make([]sample.Point, len(values))
	for i, v := range values {
		pts[i] = sample.Point{At: start.Add(time.Duration(i+1) * 100 * time.Millisecond), Value: v}
	}
	return sample.Window{Start: start, End: start.Add(time.Duration(len(values)) * 100 * time.Millisecond), Points: pts}
}

func TestStandardizeMoments(t *testing.T) {
	std := Standardize(windowOf(2, 4, 4, 4, 5, 5, 7, 9), 1e-6)
	if std.Degenerate {
		t.Fatalf("expected non-degenerate window")
	}
	if math.Abs(mean(std.Values)) > 1e-9 {
		t.Fatalf("expected zero mean, got %g", mean(std.Values))
	}
	if sd := math.Sqrt(variance(std.Values)); math.Abs(sd-1) > 1e-9 {
		t.Fatalf("expected unit sample deviation, got %g", sd)
	}
	if math.Abs(std.Mean-5) > 1e-9 {
		t.Fatalf("expected mean 5, got %g", std.Mean)
	}
}

func TestStandardizeFloorsConstantWindow(t *testing.T) {
	std := Standardize(windowOf(3, 3, 3, 3), 1e-3)
	if !std.Degenerate {
		t.Fatalf("expected constant window to be degenerate")
	}
	if std.StdDev != 1e-3 {
		t.Fatalf("expected stddev floored to epsilon, got %g", std.StdDev)
	}
	for i, v := range std.Values {
		if v != 0 {
			t.Fatalf("expected zero at %d, got %g", i, v)
		}
	}
}

func TestStandardizeEmptyWindow(t *testing.T) {
	std := Standardize(sample.Window{}, 1e-6)
	if !std.Degenerate || len(std.Values) != 0 {
		t.Fatalf("expected empty degenerate result, got %+v", std)
	}
}
