// Package models is the catalogue of backbone networks and the transfer
// heads attached to them. Layer names follow the Keras applications so
// pretrained variables map by name.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-finetune/layers"
)

// ErrUnknownBackbone is returned for names missing from the catalogue
var ErrUnknownBackbone = errors.New("unknown backbone")

// Keras BatchNormalization defaults
const (
	bnEpsilon  = 1e-3
	bnMomentum = 0.99
)

// Head layer names added by TransferModel
const (
	HeadPoolName       = "global_average_pooling2d"
	HeadDenseName      = "dense"
	HeadActivationName = "dense_sigmoid"
)

// Options configures a catalogue model
type Options struct {
	// InputSize is the square image side; 0 uses the architecture default.
	InputSize int
	// IncludeTop keeps the ImageNet classifier.
	IncludeTop bool
	// Classes sizes the top classifier (default 1000).
	Classes int
	// UnfreezeLast re-enables training of the last n parameterized backbone
	// layers in TransferModel. 0 keeps the whole backbone frozen.
	UnfreezeLast int
}

type entry struct {
	defaultSize int
	build       func(b *layers.ModelBuilder, opts Options)
	// transfer attaches the binary head for TransferModel
	transfer func(b *layers.ModelBuilder) *layers.ModelBuilder
	// topless reports whether TransferModel starts from the model without top
	topless bool
}

var catalogue = map[string]entry{
	"vgg16": {
		defaultSize: 224,
		build:       buildVGG16,
		transfer: func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.Truncate("predictions").FreezeAll().
				AddDense(1, true, HeadDenseName).
				AddSigmoid(HeadActivationName)
		},
	},
	"xception": {
		defaultSize: 299,
		build:       buildXception,
		topless:     true,
		transfer:    poolingHead,
	},
	"tiny": {
		defaultSize: 32,
		build:       buildTiny,
		topless:     true,
		transfer:    poolingHead,
	},
}

func poolingHead(b *layers.ModelBuilder) *layers.ModelBuilder {
	return b.FreezeAll().
		AddGlobalAveragePool2D(HeadPoolName).
		AddDense(1, true, HeadDenseName).
		AddSigmoid(HeadActivationName)
}

// Names lists the catalogue
func Names() []string {
	names := make([]string, 0, len(catalogue))
	for n := range catalogue {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultInputSize returns the native image side of a backbone
func DefaultInputSize(name string) (int, error) {
	e, err := lookup(name)
	if err != nil {
		return 0, err
	}
	return e.defaultSize, nil
}

func lookup(name string) (entry, error) {
	e, ok := catalogue[strings.ToLower(name)]
	if !ok {
		return entry{}, fmt.Errorf("%w %q (have %s)", ErrUnknownBackbone, name, strings.Join(Names(), ", "))
	}
	return e, nil
}

func (o Options) withDefaults(e entry) Options {
	if o.InputSize <= 0 {
		o.InputSize = e.defaultSize
	}
	if o.Classes <= 0 {
		o.Classes = 1000
	}
	return o
}

func (e entry) builder(name string, opts Options) *layers.ModelBuilder {
	b := layers.NewModelBuilder(strings.ToLower(name), []int{3, opts.InputSize, opts.InputSize})
	e.build(b, opts)
	return b
}

// Build compiles a catalogue backbone with every layer trainable
func Build(name string, opts Options) (*layers.ModelSpec, error) {
	e, err := lookup(name)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults(e)
	spec, err := e.builder(name, opts).Compile()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	return spec, nil
}

// TransferModel builds the backbone, freezes it and attaches a single
// sigmoid unit for binary classification. vgg16 keeps its fully connected
// top minus the "predictions" layer; the other backbones drop the top and
// pool globally before the new unit.
func TransferModel(name string, opts Options) (*layers.ModelSpec, error) {
	e, err := lookup(name)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults(e)
	opts.IncludeTop = !e.topless

	b := e.transfer(e.builder(name, opts))
	spec, err := b.Name(strings.ToLower(name) + "_transfer").Compile()
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", name, err)
	}
	if opts.UnfreezeLast > 0 {
		// the head owns one parameterized layer
		spec.UnfreezeLast(opts.UnfreezeLast + 1)
	}
	return spec, nil
}
