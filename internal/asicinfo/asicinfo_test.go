package asicinfo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpudetect/internal/asicinfo"
)

func TestSeriesFromFamily(t *testing.T) {
	tests := []struct {
		name   string
		family uint32
		eRev   uint32
		want   asicinfo.GpuSeries
	}{
		{"navi1 below revision cutoff", 0x8F, 0x10, asicinfo.SeriesNavi1},
		{"rdna2 at revision cutoff", 0x8F, 0x28, asicinfo.SeriesRdna2},
		{"rdna2 above cutoff", 0x8F, 0x40, asicinfo.SeriesRdna2},
		{"rdna3", 0x91, 0, asicinfo.SeriesRdna3},
		{"strix1", 0x96, 0, asicinfo.SeriesStrix1},
		{"rdna4", 0x98, 0, asicinfo.SeriesRdna4},
		{"unknown", 0x12, 0, asicinfo.SeriesUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, asicinfo.SeriesFromFamily(tt.family, tt.eRev))
		})
	}
}

func TestLookupSupportedFamilies(t *testing.T) {
	targets := map[uint32]string{
		0x91: "gfx1100",
		0x96: "gfx1150",
		0x98: "gfx1201",
	}
	for family, target := range targets {
		info, err := asicinfo.Lookup(family, 0)
		require.NoError(t, err)
		assert.Equal(t, target, info.Target.Name)
		assert.NotEmpty(t, info.Layout.Names)
		assert.Contains(t, info.Layout.Names, info.Layout.PCLo)
		assert.Contains(t, info.Layout.Names, info.Layout.PCHi)
	}

	info, err := asicinfo.Lookup(0x8F, 0x28)
	require.NoError(t, err)
	assert.Equal(t, "gfx1030", info.Target.Name)
}

func TestLookupRdna4MovedPCPair(t *testing.T) {
	rdna3, err := asicinfo.Lookup(0x91, 0)
	require.NoError(t, err)
	rdna4, err := asicinfo.Lookup(0x98, 0)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x0108), rdna3.Layout.PCLo)
	assert.Equal(t, uint32(0x0140), rdna4.Layout.PCLo)
	assert.Contains(t, rdna4.Layout.Names, uint32(0x0111))
}

func TestLookupUnsupported(t *testing.T) {
	_, err := asicinfo.Lookup(0x8F, 0x10) // navi1
	require.ErrorIs(t, err, asicinfo.ErrUnsupportedAsic)

	_, err = asicinfo.Lookup(0xFF, 0)
	require.ErrorIs(t, err, asicinfo.ErrUnsupportedAsic)
}
