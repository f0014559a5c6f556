package response

import "strings"

// Saturation is a parsed saturation_assessment reply.
type Saturation struct {
	Saturated  bool
	Confidence string
	Reasoning  string
}

func (*Saturation) Kind() Kind { return KindSaturation }

type xmlSaturation struct {
	Saturated  string `xml:"saturated"`
	Confidence string `xml:"confidence"`
	Reasoning  string `xml:"reasoning"`
}

var saturationSpec = blockSpec{
	root:      "saturation_assessment",
	children:  []string{"saturated", "confidence"},
	protected: []string{"reasoning"},
}

// ParseSaturation extracts the saturation verdict. Missing fields mean not
// saturated with low confidence.
func ParseSaturation(raw string) (*Saturation, error) {
	var doc xmlSaturation
	if err := extractBlock(raw, saturationSpec, &doc); err != nil {
		return nil, err
	}
	conf := strings.ToLower(strings.TrimSpace(doc.Confidence))
	switch conf {
	case "low", "medium", "high":
	default:
		conf = "low"
	}
	return &Saturation{
		Saturated:  parseBool(doc.Saturated),
		Confidence: conf,
		Reasoning:  strings.TrimSpace(doc.Reasoning),
	}, nil
}
