//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Runs go vet and golangci-lint.
func (Build) Lint() error {
	if _, err := executeCmd("go", withArgs("vet", "./..."), withStream()); err != nil {
		return err
	}
	_, err := executeCmd("golangci-lint", withArgs("run", "./..."), withStream())
	return err
}

// Builds the demo binary.
func (Build) Demo() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/gpumemdemo", "./cmd/gpumemdemo"), withStream())
	return err
}

type Run mg.Namespace

// Runs the demo on the software backend.
func (Run) Demo() error {
	_, err := executeCmd("go", withArgs("run", "./cmd/gpumemdemo", "-backend", "software"), withStream())
	return err
}

// Runs the demo on the native backend.
func (Run) Native() error {
	_, err := executeCmd("go", withArgs("run", "./cmd/gpumemdemo", "-backend", "native"), withStream())
	return err
}
