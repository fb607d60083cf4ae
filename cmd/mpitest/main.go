// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mpitest runs several tests of the suite in sequence, each on a new world, and exits with the exit code of
// the first one that failed.
//
// Example, running every test with device receive buffers on 4 in-process ranks:
//
//	mpitest -tests=all -r=D -np=4 -n=4096
package main

import (
	"flag"
	"os"
	"strings"

	"github.com/gomlx/mpitests/mpitest"
	"github.com/gomlx/mpitests/suite"
	"k8s.io/klog/v2"
)

var flagTests = flag.String("tests", "all", "Comma-separated list of tests to run, or \"all\". Tests: "+
	strings.Join(testNames(), ", "))

func testNames() []string {
	var names []string
	for _, test := range suite.All() {
		names = append(names, test.Name)
	}
	return names
}

// selectTests returns the tests of the comma-separated list of names, or all of them for "all".
func selectTests(names string) ([]*mpitest.Test, error) {
	if strings.TrimSpace(names) == "all" {
		return suite.All(), nil
	}
	var tests []*mpitest.Test
	for _, name := range strings.Split(names, ",") {
		test, err := suite.ByName(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, nil
}

func main() {
	klog.InitFlags(nil)
	cfg := mpitest.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	tests, err := selectTests(*flagTests)
	if err != nil {
		klog.Errorf("invalid -tests: %v", err)
		klog.Flush()
		os.Exit(2)
	}

	exitCode := 0
	for _, test := range tests {
		code := mpitest.RunMain(cfg, test)
		if code != 0 && exitCode == 0 {
			exitCode = code
		}
	}
	mpitest.Exit(exitCode)
}
