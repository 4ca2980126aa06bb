package migrator

import (
	"bufio"
	"bytes"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration files are named NNNN_description.sql, e.g. 0003_create_dependencies.sql.
// The numeric prefix is the unit's version and orders the whole sequence.
var unitNameRx = regexp.MustCompile(`^(\d{4})_\S+\.sql$`)

var (
	upSectionRx   = regexp.MustCompile(`(?i)^--\s*\+up(\s.*)?$`)
	downSectionRx = regexp.MustCompile(`(?i)^--\s*\+down(\s.*)?$`)
)

// listUnits discovers every migration file under dir in fsys and returns
// them sorted by version ascending. File contents are not read here; call
// load on each unit (or loadUnits for a batch) before applying or verifying.
func listUnits(fsys fs.FS, dir string) ([]*MigrationUnit, error) {
	var files []string
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, ErrDiscovery.Wrap(err, "error reading migrations directory %s", dir)
	}

	byVersion := make(map[int]*MigrationUnit, len(files))
	versions := make([]int, 0, len(files))
	for _, file := range files {
		matches := unitNameRx.FindStringSubmatch(path.Base(file))
		if matches == nil {
			return nil, ErrParse.New("cannot derive a version from migration file name %s", file)
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, ErrParse.Wrap(err, "cannot derive a version from migration file name %s", file)
		}

		if dup, exists := byVersion[version]; exists {
			return nil, ErrDiscovery.New("duplicate migration version %d: %s and %s", version, dup.File, file).
				WithProperty(PropertyVersion, version)
		}
		byVersion[version] = &MigrationUnit{Version: version, File: file}
		versions = append(versions, version)
	}
	sort.Ints(versions)

	units := make([]*MigrationUnit, 0, len(versions))
	for _, version := range versions {
		units = append(units, byVersion[version])
	}
	return units, nil
}

// load reads the unit's file, records its checksum and splits it into the
// `-- +up` and `-- +down` statement batches. Both sections are required and
// may appear only once each.
func (u *MigrationUnit) load(fsys fs.FS) error {
	if u.contents != nil {
		return nil
	}

	raw, err := fs.ReadFile(fsys, u.File)
	if err != nil {
		return ErrDiscovery.Wrap(err, "error reading migration file %s", u.File).
			WithProperty(PropertyVersion, u.Version)
	}
	u.Checksum = checksumBytes(raw)

	foundUp := false
	foundDown := false
	capturing := 0
	var up, down strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if upSectionRx.MatchString(line) {
			if foundUp {
				return u.parseErr("duplicate `-- +up` section")
			}
			foundUp = true
			capturing = 1
			continue
		}
		if downSectionRx.MatchString(line) {
			if foundDown {
				return u.parseErr("duplicate `-- +down` section")
			}
			foundDown = true
			capturing = 2
			continue
		}

		switch capturing {
		case 1:
			up.WriteString(line)
			up.WriteString("\n")
		case 2:
			down.WriteString(line)
			down.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return ErrParse.Wrap(err, "error scanning migration %d (%s)", u.Version, u.File).
			WithProperty(PropertyVersion, u.Version)
	}

	if !foundUp {
		return u.parseErr("missing `-- +up` section")
	}
	if !foundDown {
		return u.parseErr("missing `-- +down` section")
	}

	u.contents = &unitContents{up: up.String(), down: down.String()}
	return nil
}

func (u *MigrationUnit) parseErr(msg string) error {
	return ErrParse.New("%s in migration %d (%s)", msg, u.Version, u.File).
		WithProperty(PropertyVersion, u.Version)
}

// loadUnits fills contents for a batch of units concurrently. Each unit
// touches only its own file, so the reads are independent.
func loadUnits(fsys fs.FS, units []*MigrationUnit) error {
	errChan := make(chan error, len(units))
	for i := range units {
		unit := units[i]
		go func() {
			errChan <- unit.load(fsys)
		}()
	}
	var firstErr error
	for range units {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(errChan)
	return firstErr
}
