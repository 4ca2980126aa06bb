package migrator

// migrationPlan partitions the known units against the recorded state.
// Invariant after a successful partition: applied versions form an exact
// prefix of the known unit sequence up to the highest applied version.
type migrationPlan struct {
	applied []*MigrationUnit
	pending []*MigrationUnit
	records map[int]AppliedMigration
}

// partitionUnits validates recorded state against the discovered units and
// splits them into already-applied and pending. It fails with ErrOrder when
// an applied version has no unit on disk (historical migration deleted) or
// when an unapplied unit sits below the highest applied version
// (out-of-order insertion).
func partitionUnits(units []*MigrationUnit, applied []AppliedMigration) (*migrationPlan, error) {
	known := make(map[int]*MigrationUnit, len(units))
	for _, u := range units {
		known[u.Version] = u
	}

	records := make(map[int]AppliedMigration, len(applied))
	highestApplied := 0
	for _, rec := range applied {
		if _, ok := known[rec.Version]; !ok {
			return nil, ErrOrder.New(
				"migration %d is recorded as applied but no longer exists on disk", rec.Version).
				WithProperty(PropertyVersion, rec.Version)
		}
		records[rec.Version] = rec
		if rec.Version > highestApplied {
			highestApplied = rec.Version
		}
	}

	plan := &migrationPlan{records: records}
	for _, u := range units {
		if _, ok := records[u.Version]; ok {
			plan.applied = append(plan.applied, u)
			continue
		}
		if u.Version < highestApplied {
			return nil, ErrOrder.New(
				"migration %d was inserted below the highest applied version %d; "+
					"history cannot be reordered", u.Version, highestApplied).
				WithProperty(PropertyVersion, u.Version)
		}
		plan.pending = append(plan.pending, u)
	}
	return plan, nil
}

// unitIndex maps loaded units by version for checksum verification.
func (p *migrationPlan) unitIndex() map[int]*MigrationUnit {
	idx := make(map[int]*MigrationUnit, len(p.applied))
	for _, u := range p.applied {
		idx[u.Version] = u
	}
	return idx
}

func (p *migrationPlan) highestApplied() int {
	highest := 0
	for v := range p.records {
		if v > highest {
			highest = v
		}
	}
	return highest
}
