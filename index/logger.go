// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"os"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The source this core is ported from writes diagnostics to a process-wide
// infoStream sink (spec §9 design note). That is replaced here with a
// per-instance *zap.Logger injected at construction; NewDefaultLogger is
// reserved for the CLI entrypoint only, exactly as the design note asks.

// NewDefaultLogger builds the console JSON logger the CLI falls back to
// when the caller does not inject one of its own, matching the teacher's
// server.NewJSONLogger construction in server/logger.go.
func NewDefaultLogger(level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		level,
	)
	return zap.New(core)
}

// NewRotatingFileLogger mirrors server.NewRotatingJSONFileLogger: a
// lumberjack.Logger sink is safe for concurrent use without extra
// locking, so it is wired directly into the zapcore.WriteSyncer chain.
func NewRotatingFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	})

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, level)
	return zap.New(core)
}
