package census

import (
	"context"
	"strconv"
	"strings"

	"github.com/propsavant/demalytics/internal/analysis"
)

// Source serves the engine's census stage. Boundary codes are sent with the
// geography prefix and the prefix is stripped from the answers.
type Source struct {
	Client *Client
	Prefix string
}

var _ analysis.ValueSource = (*Source)(nil)

func (s *Source) Values(ctx context.Context, codes []string, characteristicIDs []int64) ([]analysis.CodeValue, error) {
	geos := make([]string, len(codes))
	for i, c := range codes {
		geos[i] = s.Prefix + c
	}
	obs, err := s.Client.Fetch(ctx, Request{Geographies: geos, Characteristics: characteristicIDs})
	if err != nil {
		return nil, err
	}
	out := make([]analysis.CodeValue, 0, len(obs))
	for _, o := range obs {
		id, err := strconv.ParseInt(o.Characteristic, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, analysis.CodeValue{
			Code:             strings.TrimPrefix(o.Geography, s.Prefix),
			CharacteristicID: id,
			Value:            o.Value,
		})
	}
	return out, nil
}
