package migrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// checksumBytes hashes the raw file content of a migration unit. The hash
// covers the whole file, comment lines included, so cosmetic edits to an
// applied migration are still reported as drift.
func checksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// drift is one applied migration whose on-disk content no longer matches
// the checksum recorded when it was applied.
type drift struct {
	Version  int
	File     string
	Recorded string
	Current  string
}

func (d drift) String() string {
	return fmt.Sprintf("migration %d (%s): recorded checksum %s, current %s",
		d.Version, d.File, d.Recorded, d.Current)
}

// verifyChecksums compares each applied record against the current content
// of its unit. Units must be loaded before calling. Returns one finding per
// drifted version, in applied order, empty when everything matches.
func verifyChecksums(applied []AppliedMigration, units map[int]*MigrationUnit) []drift {
	var drifted []drift
	for _, rec := range applied {
		unit, ok := units[rec.Version]
		if !ok {
			// Missing units are the order validator's problem, not drift.
			continue
		}
		if unit.Checksum != rec.Checksum {
			drifted = append(drifted, drift{
				Version:  rec.Version,
				File:     unit.File,
				Recorded: rec.Checksum,
				Current:  unit.Checksum,
			})
		}
	}
	return drifted
}

// driftError folds drift findings into a single ErrDrift carrying the first
// drifted version as its version property.
func driftError(drifted []drift) error {
	lines := make([]string, len(drifted))
	for i, d := range drifted {
		lines[i] = d.String()
	}
	return ErrDrift.New("content drift detected:\n%s", strings.Join(lines, "\n")).
		WithProperty(PropertyVersion, drifted[0].Version)
}
