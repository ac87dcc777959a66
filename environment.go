// Copyright 2026 The Appose developers.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appose

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Environment describes where worker executables live and how to launch
// them. Environments are plain values: construct them directly, or use
// [System] for the host environment and [Base] for a directory-rooted
// one. Richer environment construction (package managers and friends)
// lives outside this module.
type Environment struct {
	// Base is the working directory for launched workers.
	Base string
	// BinPaths lists directories searched for worker executables, in
	// order, before falling back to the system PATH.
	BinPaths []string
	// LaunchArgs is an argv prefix prepended before the resolved worker
	// executable, for launches that go through a wrapper such as an
	// environment activator.
	LaunchArgs []string
	// EnvVars overlays additional environment variables onto the
	// worker's environment.
	EnvVars map[string]string
}

// System returns the host system environment: the current working
// directory as base, and executables resolved via the system PATH.
func System() *Environment {
	return &Environment{Base: "."}
}

// Base returns an environment rooted in the given directory, with the
// directory's bin subdirectory and the directory itself on the executable
// search path.
func Base(dir string) *Environment {
	return &Environment{
		Base:     dir,
		BinPaths: []string{filepath.Join(dir, "bin"), dir},
	}
}

// pythonWorkerBoot starts the appose Python worker, which must be
// installed into the environment's Python (pip install appose).
const pythonWorkerBoot = "import appose.python_worker\nappose.python_worker.main()"

// Python spawns a service running the appose Python worker on this
// environment's Python interpreter. The returned service has not been
// started yet; it starts with its first task.
func (env *Environment) Python() (*Service, error) {
	python, err := env.lookup("python", "python3", "python.exe")
	if err != nil {
		return nil, err
	}
	return env.Service(python, "-u", "-c", pythonWorkerBoot)
}

// Worker spawns a service around a worker binary speaking the appose
// protocol on its stdio, such as the appose-worker command shipped with
// this module.
func (env *Environment) Worker(exe string, args ...string) (*Service, error) {
	resolved, err := env.lookup(exe)
	if err != nil {
		return nil, err
	}
	return env.Service(resolved, args...)
}

// Service spawns a service around an arbitrary worker invocation. The
// environment's LaunchArgs are prepended to the given argv; the first
// remaining element is the executable. The returned service has not been
// started yet; it starts with its first task, or with an explicit
// [Service.Start].
func (env *Environment) Service(exe string, args ...string) (*Service, error) {
	if exe == "" {
		return nil, errors.New("cannot launch a service without an executable")
	}
	argv := make([]string, 0, len(env.LaunchArgs)+1+len(args))
	argv = append(argv, env.LaunchArgs...)
	argv = append(argv, exe)
	argv = append(argv, args...)
	return newService(env, argv), nil
}

// lookup resolves the first of the given executable names, searching the
// environment's BinPaths first and the system PATH second.
func (env *Environment) lookup(names ...string) (string, error) {
	for _, name := range names {
		for _, dir := range env.BinPaths {
			candidate := filepath.Join(dir, name)
			if runtime.GOOS == "windows" && filepath.Ext(candidate) == "" {
				candidate += ".exe"
			}
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no executable %v on the search path", names)
}
