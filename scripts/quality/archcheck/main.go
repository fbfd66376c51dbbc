package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "myft-client/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// importRule forbids packages under from importing any of the listed prefixes.
type importRule struct {
	from      string
	forbidden []string
	reason    string
}

var importRules = []importRule{
	{
		from:      "pkg/myft",
		forbidden: []string{"internal/", "cmd/"},
		reason:    "pkg/myft must not import internal/* or cmd/*",
	},
	{
		from:      "internal/bus",
		forbidden: []string{"internal/transport", "internal/identity", "internal/relcache", "internal/client", "internal/config"},
		reason:    "internal/bus depends only on pkg/myft",
	},
	{
		from:      "internal/personalise",
		forbidden: []string{"internal/"},
		reason:    "internal/personalise must not import internal/*",
	},
	{
		from:      "internal/telemetry",
		forbidden: []string{"internal/"},
		reason:    "internal/telemetry must not import internal/*",
	},
	{
		from:      "internal/config",
		forbidden: []string{"internal/"},
		reason:    "internal/config must not import internal/*",
	},
	{
		from:      "internal/transport",
		forbidden: []string{"internal/identity", "internal/relcache", "internal/client", "internal/config"},
		reason:    "internal/transport must not import identity, cache, client, or config",
	},
	{
		from:      "internal/identity",
		forbidden: []string{"internal/relcache", "internal/client", "internal/config"},
		reason:    "internal/identity must not import cache, client, or config",
	},
	{
		from:      "internal/relcache",
		forbidden: []string{"internal/client", "internal/config", "internal/identity"},
		reason:    "internal/relcache must not import client, config, or identity",
	},
	{
		from:      "internal/client",
		forbidden: []string{"internal/config"},
		reason:    "internal/client must not import internal/config",
	},
	{
		from:      "internal/",
		forbidden: []string{"cmd/"},
		reason:    "internal/* must not import cmd/*",
	},
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}

	for _, rule := range importRules {
		if !strings.HasPrefix(importer, modulePrefix+rule.from) {
			continue
		}
		for _, forbidden := range rule.forbidden {
			if strings.HasPrefix(imported, modulePrefix+forbidden) {
				return rule.reason
			}
		}
	}

	return ""
}
