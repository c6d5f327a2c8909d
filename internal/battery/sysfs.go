package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where Linux exposes power supplies.
const DefaultSysfsRoot = "/sys/class/power_supply"

// ErrNoBattery is returned when no power supply of type Battery exists.
var ErrNoBattery = errors.New("no battery found")

// SysfsProvider reads the first battery under Root.
type SysfsProvider struct {
	Root string
}

func (p SysfsProvider) Read(ctx context.Context) (Reading, error) {
	root := p.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return Reading{}, fmt.Errorf("read power supplies: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		dir := filepath.Join(root, e.Name())
		if readAttr(dir, "type") != "Battery" {
			continue
		}

		capacity, err := strconv.Atoi(readAttr(dir, "capacity"))
		if err != nil {
			return Reading{}, fmt.Errorf("parse %s capacity: %w", e.Name(), err)
		}
		return Reading{
			Status: parseSysfsStatus(readAttr(dir, "status")),
			Level:  float64(capacity) / 100,
		}, nil
	}
	return Reading{}, ErrNoBattery
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func parseSysfsStatus(s string) Status {
	switch s {
	case "Charging":
		return StatusCharging
	case "Discharging", "Not charging":
		return StatusUnplugged
	case "Full":
		return StatusFull
	default:
		return StatusUnknown
	}
}
