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

// Command stress drives a tqueue Engine with many concurrent producers
// and a single consumer, for manual soak testing under fan-in load.
package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/spf13/pflag"

	"github.com/njcx/tqueue"
	"github.com/njcx/tqueue/internal/storeenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := pflag.NewFlagSet("stress", pflag.ExitOnError)
	producers := fs.Int("producers", 8, "number of concurrent producer goroutines")
	perProducer := fs.Int("per-producer", 1000, "payloads enqueued by each producer")
	queueName := fs.String("queue", "stress", "queue name to drive")
	home := fs.String("env-home", "./data-stress", "engine home directory")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := logp.DevelopmentSetup(); err != nil {
		return err
	}
	logger := logp.NewLogger("stress")

	settings := tqueue.DefaultSettings()
	settings.EnvHome = *home
	settings.RunFlags = fs

	engine, err := tqueue.Open(settings, storeenv.Callbacks{}, logger)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer engine.Close()

	total := *producers * *perProducer
	start := time.Now()

	var wg sync.WaitGroup
	for p := 0; p < *producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < *perProducer; i++ {
				payload := []byte(fmt.Sprintf("producer-%d-item-%d", id, i))
				if err := engine.Put(*queueName, payload); err != nil {
					logger.Errorf("producer %d: put failed: %v", id, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool, total)
	dupes := 0
	drained := 0
	for {
		payload, found, err := engine.Get(*queueName)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if !found {
			break
		}
		key := string(payload)
		if seen[key] {
			dupes++
		}
		seen[key] = true
		drained++
	}

	elapsed := time.Since(start)
	logger.Infof("enqueued %d, drained %d, duplicates %d, elapsed %s", total, drained, dupes, elapsed)
	if drained != total || dupes != 0 {
		return fmt.Errorf("mismatch: expected %d unique records, got %d (dupes %d)", total, drained, dupes)
	}
	return nil
}
