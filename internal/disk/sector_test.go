package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSectorRoundTrip(t *testing.T) {
	cases := []string{"start", "end", "2048", "-1024", "500M", "-4096M", "90%"}
	for _, in := range cases {
		s, err := ParseSector(in)
		require.NoErrorf(t, err, "ParseSector(%q)", in)
		assert.Equalf(t, in, s.String(), "ParseSector(%q).String()", in)
	}
}

func TestParseSectorInvalid(t *testing.T) {
	cases := []string{"", "abc", "150%", "12Mx"}
	for _, in := range cases {
		_, err := ParseSector(in)
		assert.Errorf(t, err, "ParseSector(%q) expected error", in)
	}
}

func TestSectorResolveStartEnd(t *testing.T) {
	const total, sectorSize = 1_000_000, 512

	start, err := Start().Resolve(total, sectorSize)
	require.NoError(t, err)
	assert.EqualValues(t, 0, start)

	end, err := End().Resolve(total, sectorSize)
	require.NoError(t, err)
	assert.EqualValues(t, total-1, end)
}

func TestSectorResolvePercent(t *testing.T) {
	const total, sectorSize = 2_000_000, 512

	half, err := Percent(50).Resolve(total, sectorSize)
	require.NoError(t, err)
	assert.Greater(t, half, uint64(0))
	assert.Less(t, half, uint64(total))
	assert.Zerof(t, half%defaultAlignment, "Percent(50).Resolve = %d is not aligned to %d", half, defaultAlignment)

	full, err := Percent(100).Resolve(total, sectorSize)
	require.NoError(t, err)
	assert.EqualValues(t, total, full)
}

func TestSectorResolveMegabyteFromEndOverflow(t *testing.T) {
	_, err := MegabyteFromEnd(1_000_000).Resolve(100, 512)
	assert.Error(t, err, "expected error when megabyte-from-end exceeds disk size")
}

func TestSectorResolveUnitFromEndOverflow(t *testing.T) {
	_, err := UnitFromEnd(200).Resolve(100, 512)
	assert.Error(t, err, "expected error when unit-from-end exceeds disk sectors")
}
