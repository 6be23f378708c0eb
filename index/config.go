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
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// DeletionPolicyKind selects which historical generations a writer keeps
// around after a commit (spec's indexDeletionPolicy option). The policy
// itself is an external collaborator; the writer only needs to know
// which generations are still retained.
type DeletionPolicyKind string

const (
	DeletionPolicyKeepOnlyLast DeletionPolicyKind = "keep-only-last"
	DeletionPolicyKeepAll      DeletionPolicyKind = "keep-all"
)

// Config is the programmatic configuration surface for the writer
// collaborator that hosts the index core (spec §6's Config table),
// shaped like the teacher's server/config.go struct: yaml tags for file
// loading, usage tags for flag generation.
type Config struct {
	MaxThreadStates     int                `yaml:"max_thread_states" usage:"Upper bound on concurrent indexing thread-state slots."`
	RAMBufferSizeMB     float64            `yaml:"ram_buffer_size_mb" usage:"Soft per-writer RAM budget in megabytes that triggers a flush."`
	MaxBufferedDocs     int                `yaml:"max_buffered_docs" usage:"Alternative flush trigger: flush after this many buffered documents. 0 disables."`
	TermsIndexDivisor   int                `yaml:"terms_index_divisor" usage:"Sparsity factor for the terms index loaded when opening readers."`
	UseCompoundFile     bool               `yaml:"use_compound_file" usage:"If true, bundle each segment's files into one compound blob."`
	IndexDeletionPolicy DeletionPolicyKind `yaml:"index_deletion_policy" usage:"Which historical commit generations to retain."`
}

// NewConfig returns the defaults the teacher's own writer.go documents
// (maxThreadStates defaults to 8 per spec §6).
func NewConfig() *Config {
	return &Config{
		MaxThreadStates:     8,
		RAMBufferSizeMB:     16,
		MaxBufferedDocs:     0,
		TermsIndexDivisor:   1,
		UseCompoundFile:     false,
		IndexDeletionPolicy: DeletionPolicyKeepOnlyLast,
	}
}

// LoadConfigFile overlays a YAML file onto a copy of the defaults,
// mirroring server/config.go's ParseArgs: a missing or unparsable file
// is not fatal, the caller's logger records the problem and the default
// config is used.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) clampDefaults() {
	if c.MaxThreadStates <= 0 {
		c.MaxThreadStates = 8
	}
	if c.TermsIndexDivisor <= 0 {
		c.TermsIndexDivisor = 1
	}
}
