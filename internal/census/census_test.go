package census

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/config"
)

const sample = `{
  "data": {
    "dataSets": [{
      "series": {
        "0:0:0:0:0": {"observations": {"0": ["1250"]}},
        "0:1:0:1:0": {"observations": {"0": ["  "]}},
        "0:1:0:0:0": {"observations": {"0": [17.5]}}
      }
    }],
    "structure": {
      "dimensions": {
        "series": [
          {"id": "FREQ", "values": [{"id": "A5"}]},
          {"id": "GEO", "values": [{"id": "2021S051235200001"}, {"id": "2021S051235200002"}]},
          {"id": "GENDER", "values": [{"id": "1"}]},
          {"id": "CHARACTERISTIC", "values": [{"id": "1"}, {"id": "113"}]},
          {"id": "STATISTIC", "values": [{"id": "1"}]}
        ]
      }
    }
  }
}`

func testConfig(base string) config.Census {
	return config.Census{
		BaseURL:         base,
		FlowRef:         config.DefaultCensusFlowRef,
		Frequency:       config.DefaultCensusFrequency,
		Gender:          config.DefaultCensusGender,
		Statistic:       config.DefaultCensusStatistic,
		GeographyPrefix: config.DefaultGeographyPrefix,
	}
}

func TestDecodeSeriesKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
		assert.Equal(t, "dataonly", r.URL.Query().Get("detail"))
		assert.Equal(t, "/data/STC_CP,DF_DA/A5.2021S051235200001+2021S051235200002.1.1+113.1", r.URL.Path)
		fmt.Fprint(w, sample)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	obs, err := c.Fetch(context.Background(), Request{
		Geographies:     []string{"2021S051235200001", "2021S051235200002"},
		Characteristics: []int64{1, 113},
	})
	require.NoError(t, err)
	require.Len(t, obs, 3)

	assert.Equal(t, Observation{Frequency: "A5", Geography: "2021S051235200001", Gender: "1", Characteristic: "1", Statistic: "1", Value: 1250}, obs[0])
	assert.Equal(t, "2021S051235200002", obs[1].Geography)
	assert.Equal(t, "1", obs[1].Characteristic)
	assert.InDelta(t, 17.5, obs[1].Value, 1e-9)
	assert.Equal(t, "113", obs[2].Characteristic)
	assert.Zero(t, obs[2].Value, "blank values read as zero")
}

func TestFetchChunksGeographies(t *testing.T) {
	var calls atomic.Int32
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		key := strings.TrimPrefix(r.URL.Path, "/data/STC_CP,DF_DA/")
		geos := strings.Split(strings.Split(key, ".")[1], "+")
		sizes = append(sizes, len(geos))
		fmt.Fprint(w, `{"data":{"dataSets":[{"series":{}}],"structure":{"dimensions":{"series":[{},{},{},{},{}]}}}}`)
	}))
	defer srv.Close()

	codes := make([]string, 250)
	for i := range codes {
		codes[i] = fmt.Sprintf("%08d", i)
	}
	_, err := NewClient(testConfig(srv.URL), nil).Fetch(context.Background(), Request{Geographies: codes, Characteristics: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{100, 100, 50}, sizes)
}

func TestFetchReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "NoResultsFound", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL), nil).Fetch(context.Background(), Request{Geographies: []string{"a"}, Characteristics: []int64{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSourceStripsPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "2021S051235200001+2021S051235200002")
		fmt.Fprint(w, sample)
	}))
	defer srv.Close()

	src := &Source{Client: NewClient(testConfig(srv.URL), nil), Prefix: config.DefaultGeographyPrefix}
	vals, err := src.Values(context.Background(), []string{"35200001", "35200002"}, []int64{1, 113})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "35200001", vals[0].Code)
	assert.Equal(t, int64(1), vals[0].CharacteristicID)
	assert.InDelta(t, 1250, vals[0].Value, 1e-9)
	assert.Equal(t, int64(113), vals[2].CharacteristicID)
}
