// Package diagnostics formats collector errors and prints them in a consistent
// way.
package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"
)

// A single diagnostic.
type Diagnostic struct {
	Msg string

	// Position in a configuration file, if available. Most diagnostics don't
	// come from a file so these are usually empty.
	File string
	Line int
}

// One or multiple errors of a particular component (for example "gcenv" or
// "refproc").
type ComponentDiagnostic struct {
	Component   string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole run. This can include errors belonging to multiple
// components.
type ProgramDiagnostic []ComponentDiagnostic

// MultiError is a list of errors that belong to the same component.
type MultiError struct {
	Component string
	Errs      []error
}

func (e *MultiError) Error() string {
	// Return the first error, to conform to the error interface. Clients should
	// really do a type-assertion on *MultiError.
	return e.Errs[0].Error()
}

// Unwrap returns the list of errors, so errors.Is and errors.As look at all
// of them.
func (e *MultiError) Unwrap() []error {
	return e.Errs
}

// FileError is an error that happened while reading a configuration file.
type FileError struct {
	Component string
	File      string
	Err       error
}

func (e *FileError) Error() string {
	return e.File + ": " + e.Err.Error()
}

func (e *FileError) Unwrap() error {
	return e.Err
}

var yamlLine = regexp.MustCompile(`^(?:yaml: )?line (\d+): (.*)$`)

// CreateDiagnostics reads the underlying errors in the error object and creates
// a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	var multi *MultiError
	if errors.As(err, &multi) && multi.Component == "" {
		// A collection of errors from several components.
		var progDiag ProgramDiagnostic
		for _, err := range multi.Errs {
			progDiag = append(progDiag, createComponentDiagnostic(err))
		}
		return progDiag
	}
	return ProgramDiagnostic{
		createComponentDiagnostic(err),
	}
}

// Create diagnostics for a single component.
func createComponentDiagnostic(err error) ComponentDiagnostic {
	var compDiag ComponentDiagnostic
	switch err := err.(type) {
	case *MultiError:
		compDiag.Component = err.Component
		for _, err := range err.Errs {
			compDiag.Diagnostics = append(compDiag.Diagnostics, createDiagnostics(err, "")...)
		}
	case *FileError:
		compDiag.Component = err.Component
		compDiag.Diagnostics = createDiagnostics(err.Err, err.File)
	case *InvariantError:
		compDiag.Component = err.Component
		compDiag.Diagnostics = []Diagnostic{{Msg: "invariant violated: " + err.Msg}}
	default:
		compDiag.Diagnostics = createDiagnostics(err, "")
	}

	// Sort these diagnostics by file/line.
	sort.SliceStable(compDiag.Diagnostics, func(i, j int) bool {
		diagI := compDiag.Diagnostics[i]
		diagJ := compDiag.Diagnostics[j]
		if diagI.File != diagJ.File {
			return diagI.File < diagJ.File
		}
		return diagI.Line < diagJ.Line
	})

	return compDiag
}

// Extract diagnostics from the given error message and return them as a slice
// of errors (which in many cases will just be a single diagnostic).
func createDiagnostics(err error, file string) []Diagnostic {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		// yaml.v2 reports every failed field separately, prefixed with the
		// line number.
		var diags []Diagnostic
		for _, msg := range typeErr.Errors {
			diags = append(diags, lineDiagnostic(msg, file))
		}
		return diags
	}
	return []Diagnostic{lineDiagnostic(err.Error(), file)}
}

func lineDiagnostic(msg, file string) Diagnostic {
	diag := Diagnostic{Msg: msg, File: file}
	if m := yamlLine.FindStringSubmatch(msg); m != nil {
		diag.Line, _ = strconv.Atoi(m[1])
		diag.Msg = m[2]
	}
	return diag
}

// Write program diagnostics to the given writer with 'wd' as the relative
// working directory.
func (progDiag ProgramDiagnostic) WriteTo(w io.Writer, wd string) {
	for _, compDiag := range progDiag {
		compDiag.WriteTo(w, wd)
	}
}

// Write component diagnostics to the given writer with 'wd' as the relative
// working directory.
func (compDiag ComponentDiagnostic) WriteTo(w io.Writer, wd string) {
	if compDiag.Component != "" {
		fmt.Fprintln(w, "#", compDiag.Component)
	}
	for _, diag := range compDiag.Diagnostics {
		diag.WriteTo(w, wd)
	}
}

// Write this diagnostic to the given writer with 'wd' as the relative working
// directory.
func (diag Diagnostic) WriteTo(w io.Writer, wd string) {
	if diag.File == "" {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	buf := &bytes.Buffer{}
	buf.WriteString(RelativePath(diag.File, wd))
	if diag.Line != 0 {
		buf.WriteString(":" + strconv.Itoa(diag.Line))
	}
	fmt.Fprintf(w, "%s: %s\n", buf.String(), diag.Msg)
}

// Convert the path (assumed to be absolute) into a relative path if possible.
func RelativePath(path, wd string) string {
	// Check whether we even have a working directory.
	if wd == "" || !filepath.IsAbs(path) {
		return path
	}

	// Make the path relative, for easier reading. Ignore any errors in the
	// process (falling back to the absolute path).
	relpath, err := filepath.Rel(wd, path)
	if err == nil {
		return relpath
	}
	return path
}
