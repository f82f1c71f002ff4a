package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/flags"
)

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "bifrost:flag:new-checkout", Key("new-checkout"))
}

func TestDecodeEntry(t *testing.T) {
	t.Parallel()

	valid := flags.Config{Name: "checkout", Status: flags.StatusPercentage, RolloutPercentage: 25, Version: 7, Description: "a|b"}
	payload, err := json.Marshal(valid)
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     string
		want    flags.Config
		wantErr string
	}{
		{name: "round trip with pipes in payload", raw: encodeEntry(7, payload), want: valid},
		{name: "missing separator", raw: "7", wantErr: "missing version separator"},
		{name: "non numeric version", raw: "x|{}", wantErr: "malformed cache entry version"},
		{name: "broken json", raw: "7|{", wantErr: "malformed cache entry payload"},
		{name: "version mismatch", raw: encodeEntry(8, payload), wantErr: "version mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeEntry(tt.raw)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Name, got.Name)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.Equal(t, tt.want.Description, got.Description)
			assert.InDelta(t, tt.want.RolloutPercentage, got.RolloutPercentage, 1e-9)
		})
	}
}
