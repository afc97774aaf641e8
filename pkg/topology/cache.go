package topology

import (
	"encoding/json"
	"os"

	"geopm/pkg/apperror"
)

// cacheFile is the on-disk shape written by CreateCache and read by
// LoadCache. Field names are stable and versioned implicitly by
// FormatVersion; a mismatch means the cache predates a schema change and
// must be discarded by the admin tool that invalidates it (§4.1).
type cacheFile struct {
	FormatVersion int   `json:"format_version"`
	Raw           Raw   `json:"raw"`
}

const cacheFormatVersion = 1

// CreateCache persists t's raw enumeration to path, from which LoadCache
// reconstructs the same Topology without re-scanning the host.
func CreateCache(t *Topology, path string) error {
	raw := Raw{
		NumCPU:           len(t.cpuToPackage),
		CPUPackage:       t.cpuToPackage,
		CPUCore:          t.cpuToCore,
		CPUMemory:        t.cpuToMemory,
		CPUAccelerator:   t.cpuToAccelerator,
	}
	b, err := json.Marshal(cacheFile{FormatVersion: cacheFormatVersion, Raw: raw})
	if err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to marshal topology cache")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to write topology cache to "+path)
	}
	return nil
}

// LoadCache reconstructs a Topology from a file written by CreateCache,
// without touching /sys.
func LoadCache(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to read topology cache from "+path)
	}
	var cf cacheFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return nil, apperror.Wrap(err, apperror.FileParse, "corrupt topology cache at "+path)
	}
	if cf.FormatVersion != cacheFormatVersion {
		return nil, apperror.New(apperror.FileParse, "topology cache format version mismatch").
			WithDetail("got", cf.FormatVersion).WithDetail("want", cacheFormatVersion)
	}
	return New(cf.Raw)
}
