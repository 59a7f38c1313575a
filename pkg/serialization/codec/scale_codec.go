package codec

import (
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"
)

// SCALECodec implements the Codec interface for SCALE encoding and decoding,
// the encoding relay chain runtimes use for their storage.
type SCALECodec struct{}

// Default is the codec used when none is configured.
var Default Codec = &SCALECodec{}

func (s *SCALECodec) Marshal(v interface{}) ([]byte, error) {
	b, err := scale.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("scale encode %T: %w", v, err)
	}
	return b, nil
}

func (s *SCALECodec) Unmarshal(data []byte, v interface{}) error {
	if err := scale.Unmarshal(data, v); err != nil {
		return fmt.Errorf("scale decode %T: %w", v, err)
	}
	return nil
}
