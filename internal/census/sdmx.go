package census

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// message is the subset of an SDMX-JSON data message the client reads.
type message struct {
	Data struct {
		DataSets []struct {
			Series map[string]struct {
				Observations map[string][]json.RawMessage `json:"observations"`
			} `json:"series"`
		} `json:"dataSets"`
		Structure struct {
			Dimensions struct {
				Series []dimension `json:"series"`
			} `json:"dimensions"`
		} `json:"structure"`
	} `json:"data"`
}

type dimension struct {
	ID     string `json:"id"`
	Values []struct {
		ID string `json:"id"`
	} `json:"values"`
}

// observations resolves every series key ("i:j:k:l:m", positions into the
// frequency, geography, gender, characteristic and statistic dimensions) to
// the dimension value ids.
func (m *message) observations() ([]Observation, error) {
	if len(m.Data.DataSets) == 0 {
		return nil, nil
	}
	dims := m.Data.Structure.Dimensions.Series
	if len(dims) < 5 {
		return nil, fmt.Errorf("decode census: expected 5 series dimensions, got %d", len(dims))
	}

	series := m.Data.DataSets[0].Series
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Observation, 0, len(keys))
	for _, k := range keys {
		parts := strings.Split(k, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("decode census: malformed series key %q", k)
		}
		ids := make([]string, 5)
		for i, p := range parts {
			pos, err := strconv.Atoi(p)
			if err != nil || pos < 0 || pos >= len(dims[i].Values) {
				return nil, fmt.Errorf("decode census: series key %q position %d out of range", k, i)
			}
			ids[i] = dims[i].Values[pos].ID
		}

		var value float64
		if obs := series[k].Observations["0"]; len(obs) > 0 {
			v, err := parseValue(obs[0])
			if err != nil {
				return nil, fmt.Errorf("decode census: series %q: %w", k, err)
			}
			value = v
		}
		out = append(out, Observation{
			Frequency:      ids[0],
			Geography:      ids[1],
			Gender:         ids[2],
			Characteristic: ids[3],
			Statistic:      ids[4],
			Value:          value,
		})
	}
	return out, nil
}

// parseValue accepts a number, a numeric string or null. Blank strings and
// null read as zero.
func parseValue(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("observation %s is not a number", raw)
	}
	if s == nil || strings.TrimSpace(*s) == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(*s), 64)
}
