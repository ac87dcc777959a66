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

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/apposed/appose/worker"
)

func main() {
	// Stdout belongs to the protocol; everything else goes to stderr,
	// where the controller's debug sink picks it up.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	slog.Info("appose-worker started", slog.Int("pid", os.Getpid()))
	defer slog.Info("appose-worker terminated", slog.Int("pid", os.Getpid()))

	err := worker.Run(context.Background(), os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
