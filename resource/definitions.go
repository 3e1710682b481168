package resource

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	pb "go.spoilers.dev/core/protocol"
	"gopkg.in/yaml.v2"
)

// Definitions is the YAML document of served resources.
type Definitions struct {
	Resources []*pb.ResourceSpec `yaml:"resources"`
}

// ReadDefinitions decodes and validates the Definitions of |r|. Unknown
// fields are an error.
func ReadDefinitions(r io.Reader) (Definitions, error) {
	var b, err = io.ReadAll(r)
	if err != nil {
		return Definitions{}, err
	}

	var out Definitions
	if err = yaml.UnmarshalStrict(bytes.TrimSpace(b), &out); err != nil {
		return Definitions{}, errors.WithMessage(err, "decoding resource definitions")
	}
	return out, out.Validate()
}

// Validate returns an error if a ResourceSpec of the Definitions is invalid.
func (d Definitions) Validate() error {
	if len(d.Resources) == 0 {
		return pb.NewValidationError("expected at least one resource")
	}
	for i, spec := range d.Resources {
		if spec == nil {
			return pb.ExtendContext(pb.NewValidationError("expected a resource"), "Resources[%d]", i)
		} else if err := spec.Validate(); err != nil {
			return pb.ExtendContext(err, "Resources[%d]", i)
		}
	}
	return nil
}
