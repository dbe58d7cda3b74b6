package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rstream/types"
)

func TestFunc(t *testing.T) {
	even := Func(func(msg types.Message) bool { return msg.Offset%2 == 0 })
	require.True(t, even.Match(types.Message{Offset: 4}))
	require.False(t, even.Match(types.Message{Offset: 5}))
}

func TestValues(t *testing.T) {
	p := Values("eu", "us")
	require.True(t, p.Match(types.Message{FilterValue: "eu"}))
	require.False(t, p.Match(types.Message{FilterValue: "apac"}))
	require.False(t, p.Match(types.Message{}))
}

func TestAll(t *testing.T) {
	p := All(Values("eu"), Func(func(msg types.Message) bool { return len(msg.Body) > 0 }))
	require.True(t, p.Match(types.Message{FilterValue: "eu", Body: []byte("x")}))
	require.False(t, p.Match(types.Message{FilterValue: "eu"}))
	require.True(t, All().Match(types.Message{}))
}

func TestCEL(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	msg := types.Message{
		Offset:                42,
		FilterValue:           "eu",
		Body:                  []byte(`{"amount": 150, "currency": "EUR"}`),
		ApplicationProperties: map[string]string{"priority": "high"},
		Timestamp:             ts,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`filter_value == "eu"`, true},
		{`filter_value == "us"`, false},
		{`properties["priority"] == "high"`, true},
		{`offset >= 42 && size > 10`, true},
		{`json.amount > 100.0`, true},
		{`json.currency == "USD"`, false},
		{`text.contains("EUR")`, true},
		{`ts_ms == 1700000000000`, true},
		// runtime error (missing key) drops the message
		{`properties["missing"] == "x"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := CEL(tt.expr)
			require.NoError(t, err)
			require.Equal(t, tt.want, f.Match(msg))
			require.Equal(t, tt.expr, f.String())
		})
	}
}

func TestCEL_NonJSONBody(t *testing.T) {
	f := MustCEL(`size == 5`)
	require.True(t, f.Match(types.Message{Body: []byte("plain")}))
}

func TestCEL_Errors(t *testing.T) {
	_, err := CEL("   ")
	require.Error(t, err)

	_, err = CEL(`filter_value ==`)
	require.Error(t, err)

	_, err = CEL(`unknown_var == 1`)
	require.Error(t, err)

	_, err = CEL(`offset + 1`)
	require.Error(t, err)

	require.Panics(t, func() { MustCEL(`(`) })
}
