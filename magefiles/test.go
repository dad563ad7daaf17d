//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the unit tests with the race detector.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the unit tests with contract checks compiled out.
func (Test) Release() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "gpumem_release", "./..."), withStream())
	return err
}

// Runs the unit tests without the native backend.
func (Test) NoGPU() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "nogpu", "./..."), withEnv("CGO_ENABLED=0"), withStream())
	return err
}

// Runs every test configuration.
func (Test) All() {
	mg.SerialDeps(Test.Unit, Test.Release, Test.NoGPU)
}
