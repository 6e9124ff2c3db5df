package api

import (
	"github.com/ygncode/alldebrid-broker/internal/models"
)

// torrentInfo is the qBittorrent torrents/info JSON shape of spec.md §6.
type torrentInfo struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	Size         int64   `json:"size"`
	Progress     float64 `json:"progress"`
	DlSpeed      float64 `json:"dlspeed"`
	UpSpeed      int     `json:"upspeed"`
	ETA          int64   `json:"eta"`
	State        string  `json:"state"`
	Category     string  `json:"category"`
	SavePath     string  `json:"save_path"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
	Completed    int64   `json:"completed"`
	Downloaded   int64   `json:"downloaded"`
	Uploaded     int     `json:"uploaded"`
	Ratio        float64 `json:"ratio"`
}

// qbState translates a Job's internal state into qBittorrent's vocabulary,
// per spec.md §6's state mapping table.
func qbState(s models.JobState) string {
	switch s {
	case models.StateQueued, models.StateDebridPending:
		return "queuedDL"
	case models.StateDebridReady:
		return "stalledDL"
	case models.StateDownloading:
		return "downloading"
	case models.StatePaused:
		return "pausedDL"
	case models.StateCompleted:
		return "completed"
	case models.StateError:
		return "error"
	default:
		return "unknown"
	}
}

func toTorrentInfo(s models.Snapshot) torrentInfo {
	completionOn := int64(0)
	if !s.CompletedAt.IsZero() {
		completionOn = s.CompletedAt.Unix()
	}
	return torrentInfo{
		Hash:         s.InfoHash,
		Name:         s.DisplayName,
		Size:         s.SizeTotal,
		Progress:     s.Progress(),
		DlSpeed:      s.SpeedBps,
		UpSpeed:      0,
		ETA:          s.ETASeconds(),
		State:        qbState(s.State),
		Category:     s.Category,
		SavePath:     s.SavePath,
		AddedOn:      s.AddedAt.Unix(),
		CompletionOn: completionOn,
		Completed:    s.SizeDone,
		Downloaded:   s.SizeDone,
		Uploaded:     0,
		Ratio:        0.0,
	}
}

// torrentFile is the qBittorrent torrents/files JSON shape, ported from
// original_source/src/api/routes.py's get_torrent_files.
type torrentFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
	IsSeed   bool    `json:"is_seed"`
}

func toTorrentFiles(s models.Snapshot) []torrentFile {
	isSeed := s.State == models.StateCompleted
	if len(s.Files) == 0 {
		return []torrentFile{{Index: 0, Name: s.DisplayName, Size: s.SizeTotal, Progress: s.Progress(), Priority: 1, IsSeed: isSeed}}
	}
	out := make([]torrentFile, 0, len(s.Files))
	for _, f := range s.Files {
		progress := 0.0
		if f.Size > 0 {
			progress = float64(f.Downloaded) / float64(f.Size)
		}
		out = append(out, torrentFile{Index: f.Index, Name: f.Name, Size: f.Size, Progress: progress, Priority: 1, IsSeed: isSeed})
	}
	return out
}
