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

package appose_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apposed/appose"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var _ = Describe("environments", func() {

	BeforeEach(func() {
		quietslog()
	})

	It("roots the system environment in the current directory", func() {
		Expect(appose.System().Base).To(Equal("."))
	})

	It("searches a base directory's bin before the system path", func() {
		base := GinkgoT().TempDir()
		bindir := filepath.Join(base, "bin")
		Expect(os.MkdirAll(bindir, 0o755)).To(Succeed())
		exe := filepath.Join(bindir, "a-worker-named-like-nothing-on-PATH")
		Expect(os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755)).To(Succeed())

		env := appose.Base(base)
		service := Successful(env.Worker("a-worker-named-like-nothing-on-PATH"))
		Expect(service.Close()).To(Succeed())

		Expect(appose.Base(GinkgoT().TempDir()).
			Worker("a-worker-named-like-nothing-on-PATH")).
			Error().To(HaveOccurred())
	})

	It("prepends launch arguments before the worker executable", func(ctx context.Context) {
		env := appose.System()
		env.LaunchArgs = []string{"env"} // degenerate wrapper: env(1) just execs
		service := Successful(env.Service(workerPath()))
		DeferCleanup(func() { Expect(service.Close()).To(Succeed()) })

		task := run(within(ctx, time.Minute), service, "6 * 7")
		Expect(task.Result()).To(Equal(int64(42)))
	})

	It("overlays environment variables onto the worker", func(ctx context.Context) {
		env := appose.System()
		env.EnvVars = map[string]string{"APPOSE_TEST_VAR": "hello"}
		service := Successful(env.Service("sh", "-c",
			`read line; echo "VAR=$APPOSE_TEST_VAR" >&2; read rest`))
		DeferCleanup(func() { Expect(service.Close()).To(Succeed()) })

		var notesmu sync.Mutex
		var notes []string
		service.DebugListen(func(text string) {
			notesmu.Lock()
			defer notesmu.Unlock()
			notes = append(notes, text)
		})

		task := Successful(service.Task("0"))
		Expect(task.Start()).To(Succeed())
		Eventually(func() []string {
			notesmu.Lock()
			defer notesmu.Unlock()
			return append([]string(nil), notes...)
		}).Within(5 * time.Second).Should(ContainElement("VAR=hello"))
	})

})
