package errtrack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    Type
	}{
		{404, "", TypeInvalidEndpoint},
		{410, "", TypeInvalidEndpoint},
		{413, "", TypePayloadTooLarge},
		{429, "", TypeRateLimited},
		{500, "", TypeServiceUnavailable},
		{502, "", TypeServiceUnavailable},
		{503, "", TypeServiceUnavailable},
		{400, "", TypeClientError},
		{403, "", TypeClientError},
		{0, "context deadline exceeded: timeout", TypeTimeout},
		{0, "network is unreachable", TypeNetworkError},
		{0, "something odd", TypeUnknown},
		{601, "", TypeUnknown},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Classify(c.status, c.message), "status=%d msg=%q", c.status, c.message)
	}
}
