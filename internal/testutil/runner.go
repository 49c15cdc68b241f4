// Package testutil provides a scripted stand-in for the external tools
// the bundler shells out to (objcopy, file, sbsign), so the pipeline can
// be exercised in tests without a binutils or sbsigntools install.
//
// Fake bundles use a trivial container format: each section is stored as
// a "-- SECTION <name> <length>" header line followed by the raw bytes.
// The format keeps bundles with different build IDs byte-distinct, which
// the content-based currently-used check relies on.
package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/D1SoveR/manjaro-kernel-bundler/internal/runner"
)

const signedMarker = "-- SIGNED --\n"

// Runner emulates the external tools invoked through runner.Runner.
type Runner struct {
	// MIMETypes maps file paths to the type "file --brief --mime-type"
	// should report; unlisted paths report application/octet-stream.
	MIMETypes map[string]string

	// Calls records every invocation, program name first.
	Calls [][]string

	// Fail, when set, is consulted before emulation; a non-nil return is
	// surfaced as the tool's failure.
	Fail func(name string, args []string) error
}

var _ runner.Runner = (*Runner)(nil)

func (r *Runner) Output(name string, args ...string) (string, error) {
	r.Calls = append(r.Calls, append([]string{name}, args...))
	if r.Fail != nil {
		if err := r.Fail(name, args); err != nil {
			return "", err
		}
	}

	switch name {
	case "file":
		return r.fileMIMEType(args)
	case "objcopy":
		return "", r.objcopy(args)
	case "sbsign":
		return "", r.sbsign(args)
	default:
		return "", errors.Newf("fake runner: unknown program %s", name)
	}
}

func (r *Runner) fileMIMEType(args []string) (string, error) {
	if len(args) != 3 || args[0] != "--brief" || args[1] != "--mime-type" {
		return "", errors.Newf("fake runner: unexpected file arguments %v", args)
	}
	path := args[2]
	if _, err := os.Stat(path); err != nil {
		return "", &runner.ToolError{Program: "file", Args: args, ExitCode: 1, Stderr: "No such file or directory"}
	}
	if mime, ok := r.MIMETypes[path]; ok {
		return mime, nil
	}
	return "application/octet-stream", nil
}

// objcopy handles the two invocation shapes the bundler uses: adding the
// four sections onto a stub, and dumping a single section to a file.
func (r *Runner) objcopy(args []string) error {
	if len(args) >= 2 && args[0] == "--dump-section" {
		return dumpSection(args)
	}
	return addSections(args)
}

func dumpSection(args []string) error {
	// --dump-section .osrel=<dst> <bundle>
	if len(args) != 3 {
		return errors.Newf("fake runner: unexpected dump-section arguments %v", args)
	}
	section, dst, ok := strings.Cut(args[1], "=")
	if !ok {
		return errors.Newf("fake runner: malformed dump-section spec %q", args[1])
	}

	data, err := ReadSection(args[2], section)
	if err != nil {
		return &runner.ToolError{Program: "objcopy", Args: args, ExitCode: 1, Stderr: err.Error()}
	}
	return os.WriteFile(dst, data, 0o644)
}

func addSections(args []string) error {
	// Pairs of --add-section NAME=SRC / --change-section-vma NAME=ADDR,
	// then the stub path and the output path.
	if len(args) < 2 {
		return errors.Newf("fake runner: unexpected objcopy arguments %v", args)
	}
	stub, output := args[len(args)-2], args[len(args)-1]

	if _, err := os.Stat(stub); err != nil {
		return &runner.ToolError{Program: "objcopy", Args: args, ExitCode: 1, Stderr: "cannot open stub: " + err.Error()}
	}

	var buf bytes.Buffer
	for i := 0; i < len(args)-2; i += 2 {
		switch args[i] {
		case "--add-section":
			section, src, ok := strings.Cut(args[i+1], "=")
			if !ok {
				return errors.Newf("fake runner: malformed add-section spec %q", args[i+1])
			}
			data, err := os.ReadFile(src)
			if err != nil {
				return &runner.ToolError{Program: "objcopy", Args: args, ExitCode: 1, Stderr: err.Error()}
			}
			fmt.Fprintf(&buf, "-- SECTION %s %d\n", section, len(data))
			buf.Write(data)
		case "--change-section-vma":
			// VMA layout has no effect on the fake container.
		default:
			return errors.Newf("fake runner: unexpected objcopy flag %q", args[i])
		}
	}

	return os.WriteFile(output, buf.Bytes(), 0o644)
}

// sbsign emulates signing by prefixing the image with a marker, so signed
// and unsigned outputs differ.
func (r *Runner) sbsign(args []string) error {
	// --key K --cert C --output OUT IN
	if len(args) != 7 || args[0] != "--key" || args[2] != "--cert" || args[4] != "--output" {
		return errors.Newf("fake runner: unexpected sbsign arguments %v", args)
	}
	for _, path := range []string{args[1], args[3]} {
		if _, err := os.Stat(path); err != nil {
			return &runner.ToolError{Program: "sbsign", Args: args, ExitCode: 1, Stderr: err.Error()}
		}
	}

	data, err := os.ReadFile(args[6])
	if err != nil {
		return &runner.ToolError{Program: "sbsign", Args: args, ExitCode: 1, Stderr: err.Error()}
	}
	return os.WriteFile(args[5], append([]byte(signedMarker), data...), 0o644)
}

// ReadSection extracts one named section from a fake bundle file.
func ReadSection(bundlePath, section string) ([]byte, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		header, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil, errors.Newf("section %s not found in %s", section, bundlePath)
		}
		if err != nil {
			return nil, err
		}

		if header == signedMarker {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(header))
		if len(fields) != 4 || fields[0] != "--" || fields[1] != "SECTION" {
			return nil, errors.Newf("%s is not a fake bundle", bundlePath)
		}
		length, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed section header %q", header)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, errors.Wrapf(err, "read section %s", fields[2])
		}
		if fields[2] == section {
			return data, nil
		}
	}
}

// IsSigned reports whether a fake bundle went through the fake sbsign.
func IsSigned(bundlePath string) (bool, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return false, err
	}
	return bytes.HasPrefix(data, []byte(signedMarker)), nil
}
