package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataValidateOK(t *testing.T) {
	d := Data{
		Endpoint: "https://fcm.googleapis.com/fcm/send/abc",
		Keys:     Keys{P256DH: "p", Auth: "a"},
	}
	require.Empty(t, d.Validate())
}

func TestDataValidateProblems(t *testing.T) {
	cases := []struct {
		name string
		data Data
		want int
	}{
		{"all missing", Data{}, 3},
		{"bad url", Data{Endpoint: "not a url", Keys: Keys{P256DH: "p", Auth: "a"}}, 1},
		{"missing keys", Data{Endpoint: "https://push.example/x"}, 2},
	}
	for _, c := range cases {
		require.Len(t, c.data.Validate(), c.want, c.name)
	}
}

func TestWire(t *testing.T) {
	s := &PushSubscription{Endpoint: "https://push.example/x", P256DH: "p", Auth: "a"}
	w := s.Wire()
	require.Equal(t, s.Endpoint, w.Endpoint)
	require.Equal(t, "p", w.Keys.P256DH)
	require.Equal(t, "a", w.Keys.Auth)
}
