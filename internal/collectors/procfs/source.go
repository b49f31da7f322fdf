package procfs

import (
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/yairfalse/vigil/pkg/domain"
)

// process is one entry of a /proc snapshot
type process struct {
	info domain.ProcessInfo

	// StartTime disambiguates PID reuse between two scans
	StartTime uint64
	Cmdline   []string
}

// source lists running processes
type source interface {
	Snapshot() (map[int32]process, error)
}

type procSource struct {
	fs procfs.FS
}

func newProcSource(root string) (*procSource, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", root, err)
	}
	return &procSource{fs: fs}, nil
}

// Snapshot reads every process. Processes that exit while being read are
// skipped.
func (s *procSource) Snapshot() (map[int32]process, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make(map[int32]process, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}

		entry := process{
			info: domain.ProcessInfo{
				PID:  int32(stat.PID),
				PPID: int32(stat.PPID),
				Comm: stat.Comm,
			},
			StartTime: stat.Starttime,
		}
		if status, err := p.NewStatus(); err == nil {
			entry.info.UID = uint32(status.UIDs[0])
			entry.info.GID = uint32(status.GIDs[0])
		}
		if exe, err := p.Executable(); err == nil {
			entry.info.Exe = exe
		}
		if cmdline, err := p.CmdLine(); err == nil {
			entry.Cmdline = cmdline
		}
		out[entry.info.PID] = entry
	}
	return out, nil
}
