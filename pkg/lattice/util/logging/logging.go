/*
Copyright 2025 The Crystalline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Shared verbosity levels, used as `logger.V(logging.DEBUG)`.
const (
	DEFAULT = 1
	VERBOSE = 2
	DEBUG   = 3
	TRACE   = 4
)

// NewLogger builds a zap-backed logr.Logger emitting records at or below the
// given verbosity. Intended for binaries; libraries should accept a
// logr.Logger instead of constructing one.
func NewLogger(verbosity int, development bool) logr.Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	// zapr maps logr V(n) onto zap level -n, so enabling verbosity n means
	// lowering the minimum level to -n.
	lvl := -1 * verbosity
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}
