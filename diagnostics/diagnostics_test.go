package diagnostics

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestCreateDiagnosticsYAML(t *testing.T) {
	var v struct {
		Workers int `yaml:"workers"`
		Moving  bool `yaml:"moving"`
	}
	err := yaml.Unmarshal([]byte("moving: maybe\nworkers: lots\n"), &v)
	if err == nil {
		t.Fatal("expected a yaml error")
	}
	diags := CreateDiagnostics(&FileError{Component: "gcenv", File: "/tmp/gc.yaml", Err: err})
	if len(diags) != 1 || diags[0].Component != "gcenv" {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	d := diags[0].Diagnostics
	if len(d) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %+v", len(d), d)
	}
	if d[0].Line != 1 || d[1].Line != 2 {
		t.Errorf("diagnostics not sorted by line: %+v", d)
	}

	buf := &bytes.Buffer{}
	diags.WriteTo(buf, "/tmp")
	out := buf.String()
	if !strings.HasPrefix(out, "# gcenv\ngc.yaml:1: ") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestCreateDiagnosticsMulti(t *testing.T) {
	err := &MultiError{Errs: []error{
		&MultiError{Component: "refproc", Errs: []error{errors.New("a"), errors.New("b")}},
		&InvariantError{Component: "slot", Msg: "bad"},
	}}
	diags := CreateDiagnostics(err)
	if len(diags) != 2 {
		t.Fatalf("got %d component diagnostics, want 2", len(diags))
	}
	if diags[0].Component != "refproc" || len(diags[0].Diagnostics) != 2 {
		t.Errorf("unexpected first component: %+v", diags[0])
	}
	if diags[1].Diagnostics[0].Msg != "invariant violated: bad" {
		t.Errorf("unexpected invariant message: %q", diags[1].Diagnostics[0].Msg)
	}
}

func TestFatal(t *testing.T) {
	SetLevel(LevelQuiet)
	defer SetLevel(LevelInfo)
	defer func() {
		err, ok := recover().(*InvariantError)
		if !ok {
			t.Fatal("Fatal did not panic with an *InvariantError")
		}
		if err.Error() != "gc: refproc: node 0x10 is dead" {
			t.Errorf("unexpected message %q", err.Error())
		}
	}()
	Fatal("refproc", "node %#x is dead", 0x10)
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger(buf, false)
	l.Debugf("rootscan", "hidden")
	l.Infof("rootscan", "count: %d", 3)
	l.SetLevel(LevelDebug)
	l.Debugf("rootscan", "shown")
	if got, want := buf.String(), "[rootscan] count: 3\n[rootscan] shown\n"; got != want {
		t.Errorf("log output %q, want %q", got, want)
	}
}
