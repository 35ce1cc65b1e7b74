package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("[Pipeline] run %d published", 3)

	if got != "[Pipeline] run 3 published" {
		t.Errorf("custom logger got %q", got)
	}

	called := false
	SetLogger(func(string, ...interface{}) { called = true })
	SetLogger(nil)
	Logf("muted")
	if called {
		t.Error("nil logger should mute output")
	}
}

func TestDiagf_MutedByDefault(t *testing.T) {
	original := Diagf
	defer func() { Diagf = original }()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Diagf panicked: %v", r)
		}
	}()
	Diagf("superseded run %d", 1)

	var lines []string
	SetDiagLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Diagf("superseded run %d", 2)
	if len(lines) != 1 || lines[0] != "superseded run 2" {
		t.Errorf("diag lines = %v", lines)
	}

	SetDiagLogger(nil)
	Diagf("superseded run %d", 3)
	if len(lines) != 1 {
		t.Errorf("diag logger should be muted, got %v", lines)
	}
}
