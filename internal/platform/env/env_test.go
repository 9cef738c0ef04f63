package env

import (
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("MEDSCAN_ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("MEDSCAN_ENV_STRING_KEY", "value")
	got := String("MEDSCAN_ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("MEDSCAN_ENV_DURATION_DOES_NOT_EXIST", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 5s", got, err)
	}

	t.Setenv("MEDSCAN_ENV_DURATION_KEY", " 90s ")
	got, err = Duration("MEDSCAN_ENV_DURATION_KEY", 5*time.Second)
	if err != nil || got != 90*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 90s", got, err)
	}

	t.Setenv("MEDSCAN_ENV_DURATION_KEY_INVALID", "soon")
	if _, err := Duration("MEDSCAN_ENV_DURATION_KEY_INVALID", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("MEDSCAN_ENV_BOOL_KEY", "false")
	got, err := Bool("MEDSCAN_ENV_BOOL_KEY", true)
	if err != nil || got {
		t.Fatalf("Bool()=%v err=%v, want false", got, err)
	}

	t.Setenv("MEDSCAN_ENV_BOOL_KEY_INVALID", "nope")
	if _, err := Bool("MEDSCAN_ENV_BOOL_KEY_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt(t *testing.T) {
	got, err := Int("MEDSCAN_ENV_INT_DOES_NOT_EXIST", 42)
	if err != nil || got != 42 {
		t.Fatalf("Int()=%v err=%v, want 42", got, err)
	}
	t.Setenv("MEDSCAN_ENV_INT_KEY_INVALID", "seven")
	if _, err := Int("MEDSCAN_ENV_INT_KEY_INVALID", 42); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("MEDSCAN_ENV_FLOAT_KEY", "0.45")
	got, err := Float("MEDSCAN_ENV_FLOAT_KEY", 0.3)
	if err != nil || got != 0.45 {
		t.Fatalf("Float()=%v err=%v, want 0.45", got, err)
	}
	t.Setenv("MEDSCAN_ENV_FLOAT_KEY_INVALID", "high")
	if _, err := Float("MEDSCAN_ENV_FLOAT_KEY_INVALID", 0.3); err == nil {
		t.Fatalf("Float() expected error")
	}
}

func TestCSV(t *testing.T) {
	t.Setenv("MEDSCAN_ENV_CSV_KEY", " chest, ,fracture ")
	got := CSV("MEDSCAN_ENV_CSV_KEY", nil)
	if len(got) != 2 || got[0] != "chest" || got[1] != "fracture" {
		t.Fatalf("CSV()=%v", got)
	}
	t.Setenv("MEDSCAN_ENV_CSV_BLANK", " , ")
	if got := CSV("MEDSCAN_ENV_CSV_BLANK", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("CSV() blank=%v, want default", got)
	}
}
