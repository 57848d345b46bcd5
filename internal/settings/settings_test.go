package settings

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestStore_TypedGetters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			must(t, s.Set(KeyStepsPerRotation, "2048"))
			must(t, s.Set(KeyMaxRPM, "12.5"))
			must(t, s.Set(KeyCentering, "true"))
			must(t, s.Set(KeyCharset, "extended"))

			if n, err := s.Int(KeyStepsPerRotation); err != nil || n != 2048 {
				t.Errorf("Int = %d, %v", n, err)
			}
			if f, err := s.Float(KeyMaxRPM); err != nil || f != 12.5 {
				t.Errorf("Float = %v, %v", f, err)
			}
			if b, err := s.Bool(KeyCentering); err != nil || !b {
				t.Errorf("Bool = %v, %v", b, err)
			}
			if v, err := s.String(KeyCharset); err != nil || v != "extended" {
				t.Errorf("String = %q, %v", v, err)
			}
		})
	}
}

func TestStore_MissingAndMalformed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.String("nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing key error = %v, want ErrNotFound", err)
			}
			must(t, s.Set(KeyDisplayOffset, "abc"))
			if _, err := s.Int(KeyDisplayOffset); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestStore_SetOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			must(t, s.Set(KeyText, "HELLO"))
			must(t, s.Set(KeyText, "WORLD"))
			all, err := s.All()
			if err != nil {
				t.Fatalf("All: %v", err)
			}
			if all[KeyText] != "WORLD" || len(all) != 1 {
				t.Errorf("All = %v", all)
			}
		})
	}
}

func TestSeed_KeepsExistingValues(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			must(t, s.Set(KeyModuleOffsets, "3,-2"))
			must(t, Seed(s, map[string]string{
				KeyModuleOffsets: "0,0",
				KeyMode:          "single",
			}))
			if v, _ := s.String(KeyModuleOffsets); v != "3,-2" {
				t.Errorf("offsets overwritten: %q", v)
			}
			if v, _ := s.String(KeyMode); v != "single" {
				t.Errorf("mode not seeded: %q", v)
			}
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	must(t, db.Set(KeyModuleOffsets, "1,2,3"))
	db.Close()

	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if v, err := db.String(KeyModuleOffsets); err != nil || v != "1,2,3" {
		t.Errorf("after reopen = %q, %v", v, err)
	}
}

func TestParseAddresses(t *testing.T) {
	got, err := ParseAddresses("0x20, 0x21,34,")
	if err != nil {
		t.Fatalf("ParseAddresses: %v", err)
	}
	if want := []uint16{0x20, 0x21, 34}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if FormatAddresses(got) != "0x20,0x21,0x22" {
		t.Errorf("FormatAddresses = %q", FormatAddresses(got))
	}
	if _, err := ParseAddresses("0x20,zz"); err == nil {
		t.Error("expected error for bad address")
	}
	if _, err := ParseAddresses("0x10000"); err == nil {
		t.Error("expected error for out-of-range address")
	}
}

func TestParseInts(t *testing.T) {
	got, err := ParseInts("0, -3,12")
	if err != nil {
		t.Fatalf("ParseInts: %v", err)
	}
	if want := []int{0, -3, 12}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if FormatInts(got) != "0,-3,12" {
		t.Errorf("FormatInts = %q", FormatInts(got))
	}
	if got, _ := ParseInts(""); len(got) != 0 {
		t.Errorf("empty list = %v", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
