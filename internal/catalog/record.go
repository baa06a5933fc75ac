package catalog

import (
	"cmp"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// TimeLayout renders LastModified.
const TimeLayout = "2006-01-02 15:04:05"

// TypeDirectory is the Type of directory records.
const TypeDirectory = "directory"

// Record describes one file or directory.
type Record struct {
	Name         string `json:"name"`
	Path         string `json:"path"` // slash separated, relative to the listing root
	Size         int64  `json:"file_size"`
	SizeHuman    string `json:"size_human"`
	ModTime      int64  `json:"mtime"`
	LastModified string `json:"last_modified"`
	Type         string `json:"file_type"`
}

func (r Record) IsDir() bool { return r.Type == TypeDirectory }

func newRecord(name, rel string, size int64, mtime time.Time, typ string) Record {
	return Record{
		Name:         name,
		Path:         rel,
		Size:         size,
		SizeHuman:    humanize.IBytes(uint64(max(size, 0))),
		ModTime:      mtime.Unix(),
		LastModified: mtime.Local().Format(TimeLayout),
		Type:         typ,
	}
}

// Listing splits a directory's children by kind. Both slices are non-nil.
type Listing struct {
	Dirs  []Record `json:"dirs"`
	Files []Record `json:"files"`
}

// SortByModified orders records newest first, then by name.
func SortByModified(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := cmp.Compare(b.ModTime, a.ModTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

func sortByName(records []Record) {
	slices.SortFunc(records, func(a, b Record) int { return cmp.Compare(a.Name, b.Name) })
}
