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
	"encoding/binary"
	"math"
	"time"

	"github.com/apposed/appose"
	"github.com/apposed/appose/ndarray"
	"github.com/apposed/appose/shm"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var _ = Describe("shared-memory payloads", func() {

	BeforeEach(func() {
		quietslog()
	})

	It("lets the worker read controller-written bytes in place", func(ctx context.Context) {
		service := newWorkerService()

		buf := Successful(shm.Create(96, shm.WithUnlinkOnClose(true)))
		defer func() { Expect(buf.Close()).To(Succeed()) }()
		data := Successful(buf.Bytes())
		for i := range 96 {
			data[i] = byte(i)
		}

		task := run(within(ctx, time.Minute), service, `
			var bytes = buf.Bytes();
			var sum = 0;
			for (var i = 0; i < 96; i++) {
				sum += bytes[i];
			}
			task.outputs["sum"] = sum;
		`, appose.WithInputs(map[string]any{"buf": buf}))
		Expect(task.Outputs()["sum"]).To(Equal(int64(4560)))
	})

	It("sees worker writes through the controller's own mapping", func(ctx context.Context) {
		service := newWorkerService()

		buf := Successful(shm.Create(32, shm.WithUnlinkOnClose(true)))
		defer func() { Expect(buf.Close()).To(Succeed()) }()

		run(within(ctx, time.Minute), service, `
			var bytes = buf.Bytes();
			for (var i = 0; i < 32; i++) {
				bytes[i] = 255 - i;
			}
		`, appose.WithInputs(map[string]any{"buf": buf}))

		data := Successful(buf.Bytes())
		for i := range 32 {
			Expect(data[i]).To(Equal(byte(255 - i)))
		}
	})

	It("round-trips an ndarray bit-exactly", func(ctx context.Context) {
		service := newWorkerService()

		arr := Successful(ndarray.New(ndarray.Float32,
			ndarray.NewShape(ndarray.COrder, 2, 3, 4),
			shm.WithUnlinkOnClose(true)))
		defer func() { Expect(arr.Close()).To(Succeed()) }()
		data := Successful(arr.Bytes())
		for i := range 24 {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i)))
		}

		task := run(within(ctx, time.Minute), service, `
			task.outputs["dtype"] = arr.DType();
			task.outputs["shape"] = arr.Shape().Extents();
			task.outputs["arr"] = arr;
		`, appose.WithInputs(map[string]any{"arr": arr}))

		outputs := task.Outputs()
		Expect(outputs["dtype"]).To(Equal("float32"))
		Expect(outputs["shape"]).To(Equal([]any{int64(2), int64(3), int64(4)}))

		received, ok := outputs["arr"].(*ndarray.NDArray)
		Expect(ok).To(BeTrue(), "not an ndarray: %v", outputs["arr"])
		defer func() { Expect(received.Close()).To(Succeed()) }()
		Expect(received.DType()).To(Equal(ndarray.Float32))
		Expect(received.Shape().Extents()).To(Equal([]int64{2, 3, 4}))
		Expect(Successful(received.Bytes())).To(Equal(data))
	})

})
