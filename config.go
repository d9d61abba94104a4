package forkheap

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// byteSize reads either a plain byte count or a size such as "64MB"
type byteSize int

func (s *byteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	err := unmarshal(&text)
	if err != nil {
		return err
	}

	size, err := parseSize(text)
	if err != nil {
		return err
	}
	*s = byteSize(size)
	return nil
}

func parseSize(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(text)
	if err == nil {
		return n, nil
	}

	size, err := bytesize.Parse(text)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", text)
	}
	return int(size), nil
}

type optionsFile struct {
	ExternallySynchronized bool `yaml:"externallySynchronized"`
	Workers                int  `yaml:"workers"`

	BlockSize                byteSize `yaml:"blockSize"`
	SuperBlockSizeClass      int      `yaml:"superBlockSizeClass"`
	MinChunkBlocks           int      `yaml:"minChunkBlocks"`
	NearlyFullFreeRatio      float64  `yaml:"nearlyFullFreeRatio"`
	NearlyEmptyFreeRatio     float64  `yaml:"nearlyEmptyFreeRatio"`
	EmptinessFraction        float64  `yaml:"emptinessFraction"`
	MaxLocalEmptySuperBlocks int      `yaml:"maxLocalEmptySuperBlocks"`

	AllocatedRatio float64  `yaml:"allocatedRatio"`
	HeapLimitSlop  byteSize `yaml:"heapLimitSlop"`
	PoolCapacity   byteSize `yaml:"poolCapacity"`
}

// ParseOptions reads the numeric settings of Options from YAML. Sizes may be written as byte counts
// or with a unit, such as "4KB". Unknown keys are rejected. Collaborators such as the Collector
// cannot be configured this way and are left nil.
func ParseOptions(data []byte) (Options, error) {
	var file optionsFile
	err := yaml.UnmarshalStrict(data, &file)
	if err != nil {
		return Options{}, errors.Wrap(err, "failed to parse runtime options")
	}

	options := Options{
		Workers:                  file.Workers,
		BlockSize:                int(file.BlockSize),
		SuperBlockSizeClass:      file.SuperBlockSizeClass,
		MinChunkBlocks:           file.MinChunkBlocks,
		NearlyFullFreeRatio:      file.NearlyFullFreeRatio,
		NearlyEmptyFreeRatio:     file.NearlyEmptyFreeRatio,
		EmptinessFraction:        file.EmptinessFraction,
		MaxLocalEmptySuperBlocks: file.MaxLocalEmptySuperBlocks,
		AllocatedRatio:           file.AllocatedRatio,
		HeapLimitSlop:            int(file.HeapLimitSlop),
		PoolCapacity:             int(file.PoolCapacity),
	}
	if file.ExternallySynchronized {
		options.Flags |= CreateExternallySynchronized
	}

	err = options.Validate()
	if err != nil {
		return Options{}, err
	}
	return options, nil
}

// LoadOptions reads Options from a YAML file. See ParseOptions.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrapf(err, "failed to read runtime options from %s", path)
	}

	return ParseOptions(data)
}
