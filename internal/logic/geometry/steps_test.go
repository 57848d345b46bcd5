package geometry

import (
	"math"
	"testing"
	"time"
)

func TestPositionTable_KnownDrum(t *testing.T) {
	// 37 characters on a 740-step drum: 20 steps per flap.
	table := PositionTable(740, 37)

	cases := []struct {
		index int
		want  int
	}{
		{0, 0},
		{1, 20},
		{36, 719},
	}
	for _, tc := range cases {
		if got := table[tc.index]; got != tc.want {
			t.Errorf("table[%d] = %d, want %d", tc.index, got, tc.want)
		}
	}
}

func TestPositionTable_TruncatesAndIsMonotonic(t *testing.T) {
	cases := []struct {
		steps, chars int
	}{
		{2048, 37},
		{2048, 48},
		{4096, 48},
		{200, 37},
	}
	for _, tc := range cases {
		table := PositionTable(tc.steps, tc.chars)
		if len(table) != tc.chars {
			t.Fatalf("len = %d, want %d", len(table), tc.chars)
		}
		for i, p := range table {
			want := int(math.Floor(float64(i*tc.steps) / float64(tc.chars)))
			if p != want {
				t.Errorf("%d/%d: table[%d] = %d, want floor %d", tc.steps, tc.chars, i, p, want)
			}
			if p < 0 || p >= tc.steps {
				t.Errorf("%d/%d: table[%d] = %d out of range", tc.steps, tc.chars, i, p)
			}
			if i > 0 && p < table[i-1] {
				t.Errorf("%d/%d: table not monotonic at %d", tc.steps, tc.chars, i)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		pos, steps, want int
	}{
		{0, 100, 0},
		{99, 100, 99},
		{100, 100, 0},
		{-1, 100, 99},
		{-250, 100, 50},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := Normalize(tc.pos, tc.steps); got != tc.want {
			t.Errorf("Normalize(%d, %d) = %d, want %d", tc.pos, tc.steps, got, tc.want)
		}
	}
}

func TestForwardDistance(t *testing.T) {
	cases := []struct {
		name    string
		current int
		target  int
		spr     int
		want    int
	}{
		{"same", 10, 10, 100, 0},
		{"ahead", 10, 30, 100, 20},
		{"wraps", 90, 5, 100, 15},
		{"one_behind", 11, 10, 100, 99},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ForwardDistance(tc.current, tc.target, tc.spr); got != tc.want {
				t.Errorf("ForwardDistance = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestClampRPM(t *testing.T) {
	cases := []struct {
		name string
		rpm  float64
		want float64
	}{
		{"within", 10, 10},
		{"at_max", 15, 15},
		{"above_max", 40, 15},
		{"zero_means_max", 0, 15},
		{"negative", -3, 15},
		{"nan", math.NaN(), 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClampRPM(tc.rpm, 15); got != tc.want {
				t.Errorf("ClampRPM(%v) = %v, want %v", tc.rpm, got, tc.want)
			}
		})
	}
}

func TestStepDelay(t *testing.T) {
	// 15 rpm on a 2048-step drum = 512 steps/s.
	got := StepDelay(15, 2048)
	want := time.Duration(float64(time.Second) / 512)
	if got != want {
		t.Errorf("StepDelay(15, 2048) = %v, want %v", got, want)
	}

	// 1 rpm on a 60-step drum = 1 step/s.
	if got := StepDelay(1, 60); got != time.Second {
		t.Errorf("StepDelay(1, 60) = %v, want 1s", got)
	}

	if got := StepDelay(0, 2048); got != 0 {
		t.Errorf("StepDelay(0, 2048) = %v, want 0", got)
	}
}
