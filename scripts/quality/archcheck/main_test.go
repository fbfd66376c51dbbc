package main

import "testing"

func TestViolationReason(t *testing.T) {
	tests := []struct {
		name      string
		importer  string
		imported  string
		violation bool
	}{
		{name: "contracts import internal", importer: "myft-client/pkg/myft", imported: "myft-client/internal/bus", violation: true},
		{name: "bus imports contracts", importer: "myft-client/internal/bus", imported: "myft-client/pkg/myft"},
		{name: "bus imports client", importer: "myft-client/internal/bus", imported: "myft-client/internal/client", violation: true},
		{name: "cache imports bus in tests", importer: "myft-client/internal/relcache [myft-client/internal/relcache.test]", imported: "myft-client/internal/bus"},
		{name: "cache imports client", importer: "myft-client/internal/relcache", imported: "myft-client/internal/client", violation: true},
		{name: "client imports cache", importer: "myft-client/internal/client", imported: "myft-client/internal/relcache"},
		{name: "client imports config", importer: "myft-client/internal/client", imported: "myft-client/internal/config", violation: true},
		{name: "cmd imports everything", importer: "myft-client/cmd/myft", imported: "myft-client/internal/config"},
		{name: "third party", importer: "myft-client/pkg/myft", imported: "github.com/tidwall/gjson"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			got := violationReason(testCase.importer, testCase.imported) != ""
			if got != testCase.violation {
				t.Fatalf("violation = %v, want %v", got, testCase.violation)
			}
		})
	}
}
