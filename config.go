// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpcoding

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/openpcc/httpcoding/codec"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of an Encoder configuration. Zero values keep the
// defaults.
type Config struct {
	// DefaultEncoding is the policy name, one of "auto", "identity", "gzip",
	// "deflate" or "br".
	DefaultEncoding string `toml:"default_encoding,omitempty" yaml:"default_encoding,omitempty"`
	// Codecs lists the enabled content-codings in order of preference. Empty enables
	// every codec compiled into the binary.
	Codecs []string `toml:"codecs,omitempty" yaml:"codecs,omitempty"`
	// DisableCompression disables all codecs.
	DisableCompression bool  `toml:"disable_compression,omitempty" yaml:"disable_compression,omitempty"`
	MaxBodySize        int64 `toml:"max_body_size,omitempty" yaml:"max_body_size,omitempty"`
	BufferSize         int   `toml:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	ChunkSize          int   `toml:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
}

// LoadConfig reads a TOML or YAML configuration file, picked by its extension.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses data in the given format, "toml", "yaml" or "yml".
func ParseConfig(data []byte, format string) (Config, error) {
	var cfg Config
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	case "yaml", "yml":
		err := yaml.Unmarshal(data, &cfg)
		if err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	return cfg, nil
}

// Options converts the configuration to Encoder options.
func (c Config) Options() ([]Option, error) {
	var opts []Option

	if c.DefaultEncoding != "" {
		policy, err := ParseContentEncoding(c.DefaultEncoding)
		if err != nil {
			return nil, err
		}
		if policy != EncodingDefault {
			opts = append(opts, WithDefaultEncoding(policy))
		}
	}

	switch {
	case c.DisableCompression:
		opts = append(opts, WithCodecs())
	case len(c.Codecs) > 0:
		encs := make([]codec.Encoding, 0, len(c.Codecs))
		for _, name := range c.Codecs {
			enc, err := codec.ParseEncoding(name)
			if err != nil {
				return nil, fmt.Errorf("codec %q: %w", name, err)
			}
			if enc == codec.Identity {
				continue
			}
			encs = append(encs, enc)
		}
		opts = append(opts, WithCodecs(encs...))
	}

	if c.MaxBodySize != 0 {
		opts = append(opts, WithMaxBodySize(c.MaxBodySize))
	}
	if c.BufferSize != 0 {
		opts = append(opts, WithBufferSize(c.BufferSize))
	}
	if c.ChunkSize != 0 {
		opts = append(opts, WithChunkSize(c.ChunkSize))
	}

	return opts, nil
}
