// SPDX-License-Identifier: MIT

// depsreport audits dependency manifests against a version baseline. It
// reads go.mod files, compares every pinned module against the minimum
// versions in a YAML baseline, and exits non-zero when a pin is too old or
// a module is blocked outright.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Baseline is the YAML policy file.
type Baseline struct {
	// Minimum maps module paths to the oldest acceptable version.
	Minimum map[string]string `yaml:"minimum"`
	// Blocked maps module paths to the reason they must not be used.
	Blocked map[string]string `yaml:"blocked"`
}

// Requirement is one pinned module of a manifest.
type Requirement struct {
	Path     string
	Version  string
	Indirect bool
}

// Violation is one failed check.
type Violation struct {
	Manifest string
	Module   string
	Pinned   string
	Want     string
	Reason   string
}

func main() {
	baselinePath := flag.String("baseline", "", "path to the baseline YAML (required)")
	includeIndirect := flag.Bool("indirect", false, "also check indirect requirements")
	flag.Parse()

	if *baselinePath == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: depsreport -baseline policy.yaml [-indirect] go.mod [go.mod...]")
		os.Exit(2)
	}

	baseline, err := loadBaseline(*baselinePath)
	if err != nil {
		fail(err)
	}

	var violations []Violation
	checked := 0
	for _, manifest := range flag.Args() {
		data, err := os.ReadFile(manifest)
		if err != nil {
			fail(err)
		}
		requirements, err := parseManifest(string(data))
		if err != nil {
			fail(fmt.Errorf("%s: %w", manifest, err))
		}
		for _, req := range requirements {
			if req.Indirect && !*includeIndirect {
				continue
			}
			checked++
			violations = append(violations, check(manifest, req, baseline)...)
		}
	}

	report(os.Stdout, checked, violations)
	if len(violations) > 0 {
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "depsreport: %v\n", err)
	os.Exit(1)
}

func loadBaseline(path string) (Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Baseline{}, err
	}
	var baseline Baseline
	if err := yaml.Unmarshal(data, &baseline); err != nil {
		return Baseline{}, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return baseline, nil
}

// parseManifest extracts the require directives of a go.mod file. Replace
// and exclude directives do not matter for the audit and are skipped.
func parseManifest(content string) ([]Requirement, error) {
	var requirements []Requirement
	inBlock := false
	for lineNo, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case inBlock && line == ")":
			inBlock = false
		case inBlock:
			req, ok, err := parseRequireLine(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			if ok {
				requirements = append(requirements, req)
			}
		case line == "require (":
			inBlock = true
		case strings.HasPrefix(line, "require "):
			req, ok, err := parseRequireLine(strings.TrimPrefix(line, "require "))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			if ok {
				requirements = append(requirements, req)
			}
		}
	}
	return requirements, nil
}

func parseRequireLine(line string) (Requirement, bool, error) {
	indirect := false
	if i := strings.Index(line, "//"); i >= 0 {
		indirect = strings.Contains(line[i:], "indirect")
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return Requirement{}, false, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Requirement{}, false, fmt.Errorf("malformed require %q", line)
	}
	if !strings.HasPrefix(fields[1], "v") {
		return Requirement{}, false, fmt.Errorf("malformed version %q", fields[1])
	}
	return Requirement{Path: fields[0], Version: fields[1], Indirect: indirect}, true, nil
}

func check(manifest string, req Requirement, baseline Baseline) []Violation {
	var violations []Violation
	if reason, blocked := baseline.Blocked[req.Path]; blocked {
		violations = append(violations, Violation{
			Manifest: manifest, Module: req.Path, Pinned: req.Version,
			Reason: "blocked: " + reason,
		})
		return violations
	}
	minimum, ok := baseline.Minimum[req.Path]
	if !ok {
		return nil
	}
	if compareVersions(req.Version, minimum) < 0 {
		violations = append(violations, Violation{
			Manifest: manifest, Module: req.Path, Pinned: req.Version,
			Want: minimum, Reason: "below baseline",
		})
	}
	return violations
}

// compareVersions orders two semver strings, returning -1, 0 or 1. Pre-release
// suffixes sort before the release, pseudo-versions compare by their base.
func compareVersions(a, b string) int {
	aParts, aPre := splitVersion(a)
	bParts, bPre := splitVersion(b)
	for i := 0; i < 3; i++ {
		if aParts[i] != bParts[i] {
			if aParts[i] < bParts[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case aPre == bPre:
		return 0
	case aPre == "":
		return 1
	case bPre == "":
		return -1
	case aPre < bPre:
		return -1
	default:
		return 1
	}
}

func splitVersion(v string) ([3]int, string) {
	v = strings.TrimPrefix(v, "v")
	// Build metadata does not participate in ordering.
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	pre := ""
	if i := strings.Index(v, "-"); i >= 0 {
		pre = v[i+1:]
		v = v[:i]
	}
	var parts [3]int
	for i, segment := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(segment)
		if err != nil {
			break
		}
		parts[i] = n
	}
	return parts, pre
}

func report(out *os.File, checked int, violations []Violation) {
	if len(violations) == 0 {
		fmt.Fprintf(out, "depsreport: %d requirements checked, no violations\n", checked)
		return
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Manifest != violations[j].Manifest {
			return violations[i].Manifest < violations[j].Manifest
		}
		return violations[i].Module < violations[j].Module
	})
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MANIFEST\tMODULE\tPINNED\tBASELINE\tREASON")
	for _, v := range violations {
		want := v.Want
		if want == "" {
			want = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Manifest, v.Module, v.Pinned, want, v.Reason)
	}
	w.Flush()
	fmt.Fprintf(out, "depsreport: %d requirements checked, %d violations\n", checked, len(violations))
}
