//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
)

const versionPkg = "github.com/banshee-data/coincidence.report/internal/version"

// Default target to run when none is specified
var Default = Build

// Build compiles qlaib into ./bin with the version stamped in.
func Build() error {
	mg.Deps(Lint)
	fmt.Println("Building qlaib...")
	return goCmd("build", "-ldflags", ldflags(), "-o", "./bin/qlaib", "./cmd/qlaib")
}

// Test runs the unit tests with the race detector.
func Test() error {
	return goCmd("test", "-race", "./...")
}

// Lint runs go vet.
func Lint() error {
	return goCmd("vet", "./...")
}

// Clean removes build output.
func Clean() error {
	return os.RemoveAll("bin")
}

func ldflags() string {
	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	sha := "unknown"
	if out, err := exec.Command("git", "rev-parse", "HEAD").Output(); err == nil {
		sha = strings.TrimSpace(string(out))
	}
	return strings.Join([]string{
		fmt.Sprintf("-X %s.Version=%s", versionPkg, version),
		fmt.Sprintf("-X %s.GitSHA=%s", versionPkg, sha),
		fmt.Sprintf("-X %s.BuildTime=%s", versionPkg, time.Now().UTC().Format(time.RFC3339)),
	}, " ")
}

func goCmd(args ...string) error {
	return run("go", args...)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
