package trace

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// Header is the XRay file header.
type Header struct {
	Version        int    `yaml:"version"`
	Type           int    `yaml:"type"`
	ConstantTSC    bool   `yaml:"constant-tsc"`
	NonstopTSC     bool   `yaml:"nonstop-tsc"`
	CycleFrequency uint64 `yaml:"cycle-frequency"`
}

// Document is a whole XRay YAML trace.
type Document struct {
	Header  Header   `yaml:"header"`
	Records []Record `yaml:"records"`
}

// ParseYAML decodes a complete XRay YAML document, in any YAML layout, and returns its
// header together with the events.
func ParseYAML(r io.Reader) (Header, []types.TraceEvent, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Header{}, nil, nil
		}
		return Header{}, nil, &types.ParseError{Reason: fmt.Sprintf("invalid YAML document: %v", err)}
	}
	events, err := ParseRecords(doc.Records)
	if err != nil {
		return doc.Header, nil, err
	}
	return doc.Header, events, nil
}
