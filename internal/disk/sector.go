package disk

import (
	"fmt"
	"strconv"
	"strings"
)

// SectorKind discriminates the Sector algebraic type's variants.
type SectorKind int

const (
	SectorStart SectorKind = iota
	SectorEnd
	SectorUnit
	SectorUnitFromEnd
	SectorMegabyte
	SectorMegabyteFromEnd
	SectorPercent
)

// Sector is the user-level sector specification. It is semantically pure:
// resolving it to an absolute sector number requires a specific disk's
// sector count and sector size, done by Disk.GetSector.
type Sector struct {
	Kind  SectorKind
	Value uint64 // percent is stored here too, range-checked to 0..=100
}

func Start() Sector                    { return Sector{Kind: SectorStart} }
func End() Sector                      { return Sector{Kind: SectorEnd} }
func Unit(v uint64) Sector             { return Sector{Kind: SectorUnit, Value: v} }
func UnitFromEnd(v uint64) Sector      { return Sector{Kind: SectorUnitFromEnd, Value: v} }
func Megabyte(v uint64) Sector         { return Sector{Kind: SectorMegabyte, Value: v} }
func MegabyteFromEnd(v uint64) Sector  { return Sector{Kind: SectorMegabyteFromEnd, Value: v} }
func Percent(v uint16) Sector          { return Sector{Kind: SectorPercent, Value: uint64(v)} }

// ParseSector parses the human-readable sector grammar: "start", "end",
// "90%", "500M", "-4096M", "2048", "-1024".
func ParseSector(input string) (Sector, error) {
	switch {
	case input == "start":
		return Start(), nil
	case input == "end":
		return End(), nil
	case strings.HasSuffix(input, "M"):
		body := input[:len(input)-1]
		if strings.HasPrefix(body, "-") {
			v, err := strconv.ParseUint(body[1:], 10, 64)
			if err != nil {
				return Sector{}, fmt.Errorf("invalid sector value %q", input)
			}
			return MegabyteFromEnd(v), nil
		}
		v, err := strconv.ParseUint(body, 10, 64)
		if err != nil {
			return Sector{}, fmt.Errorf("invalid sector value %q", input)
		}
		return Megabyte(v), nil
	case strings.HasSuffix(input, "%"):
		body := input[:len(input)-1]
		v, err := strconv.ParseUint(body, 10, 16)
		if err != nil || v > 100 {
			return Sector{}, fmt.Errorf("invalid sector value %q", input)
		}
		return Percent(uint16(v)), nil
	case strings.HasPrefix(input, "-"):
		v, err := strconv.ParseUint(input[1:], 10, 64)
		if err != nil {
			return Sector{}, fmt.Errorf("invalid sector value %q", input)
		}
		return UnitFromEnd(v), nil
	default:
		v, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return Sector{}, fmt.Errorf("invalid sector value %q", input)
		}
		return Unit(v), nil
	}
}

// String renders the Sector back into its canonical textual form, used by
// the round-trip testable property.
func (s Sector) String() string {
	switch s.Kind {
	case SectorStart:
		return "start"
	case SectorEnd:
		return "end"
	case SectorUnit:
		return strconv.FormatUint(s.Value, 10)
	case SectorUnitFromEnd:
		return "-" + strconv.FormatUint(s.Value, 10)
	case SectorMegabyte:
		return strconv.FormatUint(s.Value, 10) + "M"
	case SectorMegabyteFromEnd:
		return "-" + strconv.FormatUint(s.Value, 10) + "M"
	case SectorPercent:
		return strconv.FormatUint(s.Value, 10) + "%"
	default:
		return "invalid"
	}
}

// defaultAlignment is the sector alignment libparted and modern partitioning
// tools settle on for 512-byte-sector disks (1MiB boundary).
const defaultAlignment = 2048

func alignDown(sector, alignment uint64) uint64 {
	if alignment == 0 {
		return sector
	}
	return (sector / alignment) * alignment
}

// Resolve converts the Sector to an absolute sector number on a disk with
// the given total sector count and sector size. Megabyte/Percent variants
// round down to the nearest alignment boundary.
func (s Sector) Resolve(totalSectors, sectorSize uint64) (uint64, error) {
	if sectorSize == 0 {
		sectorSize = 512
	}
	switch s.Kind {
	case SectorStart:
		return 0, nil
	case SectorEnd:
		if totalSectors == 0 {
			return 0, nil
		}
		return totalSectors - 1, nil
	case SectorUnit:
		return s.Value, nil
	case SectorUnitFromEnd:
		if s.Value > totalSectors {
			return 0, errInvalidInput(fmt.Sprintf("unit-from-end %d exceeds disk sectors %d", s.Value, totalSectors))
		}
		return totalSectors - s.Value, nil
	case SectorMegabyte:
		raw := (s.Value * 1_000_000) / sectorSize
		return alignDown(raw, defaultAlignment), nil
	case SectorMegabyteFromEnd:
		raw := (s.Value * 1_000_000) / sectorSize
		if raw > totalSectors {
			return 0, errInvalidInput(fmt.Sprintf("megabyte-from-end %dM exceeds disk size", s.Value))
		}
		return alignDown(totalSectors-raw, defaultAlignment), nil
	case SectorPercent:
		if s.Value > 100 {
			return 0, errInvalidInput(fmt.Sprintf("percent %d out of range", s.Value))
		}
		if s.Value == 100 {
			return totalSectors, nil
		}
		if s.Value == 0 {
			return 0, nil
		}
		raw := (s.Value * totalSectors) / 100
		return alignDown(raw, defaultAlignment), nil
	default:
		return 0, errInvalidInput("invalid sector kind")
	}
}
