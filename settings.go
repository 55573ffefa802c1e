// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package tqueue

import (
	"fmt"

	"github.com/elastic/elastic-agent-libs/config"
	"github.com/spf13/pflag"

	"github.com/njcx/tqueue/internal/qfile"
	"github.com/njcx/tqueue/internal/storeenv"
	"github.com/njcx/tqueue/internal/workers"
)

// Settings holds every tunable named in the configuration table: engine
// home, environment caps, per-queue record layout, and the three
// maintenance worker intervals. It is populated either by hand or by
// unpacking a *config.C the way a beat unpacks its own settings.
type Settings struct {
	EnvHome string `config:"env_home"`

	CacheSize     int64 `config:"cache_size"`
	TxnLogBufSize int   `config:"txn_lg_bsize"`
	TxnNoSync     bool  `config:"txn_nosync"`

	RecordLength int `config:"re_len"`
	ExtentSize   int `config:"q_extentsize"`
	PageSize     int `config:"page_size"`

	DeadlockDetectMicros int `config:"dldetect_val"`
	CheckpointSeconds    int `config:"chkpoint_val"`
	TrickleSeconds       int `config:"memp_trickle_val"`
	TricklePercent       int `config:"memp_trickle_percent"`

	MaxQueueSize int64 `config:"max_queue_size"`

	// RunFlags mirrors cmd/instance.Settings.RunFlags: a binding point for
	// whatever flag-parsing front-end embeds this engine. The engine
	// itself never parses flags; cmd/stress is the reference caller,
	// attaching its own *pflag.FlagSet here after parsing it.
	RunFlags *pflag.FlagSet
}

// DefaultSettings returns the engine's out-of-the-box defaults.
func DefaultSettings() Settings {
	return Settings{
		EnvHome:              "./data",
		CacheSize:            64 * 1024 * 1024,
		TxnLogBufSize:        32 * 1024,
		RecordLength:         1024,
		ExtentSize:           131072,
		PageSize:             4096,
		DeadlockDetectMicros: 100000,
		CheckpointSeconds:    300,
		TrickleSeconds:       30,
		TricklePercent:       60,
	}
}

// LoadSettings unpacks overrides from cfg on top of DefaultSettings, the
// same pattern cmd/instance uses to populate a beat's Settings from its
// root *config.C.
func LoadSettings(cfg *config.C) (Settings, error) {
	s := DefaultSettings()
	if cfg == nil {
		return s, nil
	}
	if err := cfg.Unpack(&s); err != nil {
		return Settings{}, fmt.Errorf("unpack engine settings: %w", err)
	}
	return s, nil
}

func (s Settings) envConfig() storeenv.Config {
	cfg := storeenv.DefaultConfig()
	cfg.CacheSize = s.CacheSize
	cfg.LogBufferSize = s.TxnLogBufSize
	cfg.TxnNoSync = s.TxnNoSync
	return cfg
}

func (s Settings) qfileSettings() qfile.Settings {
	return qfile.Settings{
		RecordLength: s.RecordLength,
		ExtentSize:   s.ExtentSize,
		PageSize:     s.PageSize,
	}
}

func (s Settings) workerIntervals() workers.Intervals {
	return workers.Intervals{
		Checkpoint:     secondsToDuration(s.CheckpointSeconds),
		Trickle:        secondsToDuration(s.TrickleSeconds),
		TricklePercent: s.TricklePercent,
		DeadlockDetect: microsToDuration(s.DeadlockDetectMicros),
	}
}
