package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ygncode/alldebrid-broker/internal/jobmanager"
	"github.com/ygncode/alldebrid-broker/internal/models"
)

// handleTorrentsAdd creates a Job per newline-separated magnet URI, per
// spec.md §6's torrents/add. A multipart "torrents" upload (a raw .torrent
// file) is rejected with 415: the core never parses Bencode beyond a
// magnet's info-hash (spec.md §1 non-goals).
func (s *Server) handleTorrentsAdd(c *gin.Context) {
	if _, _, err := c.Request.FormFile("torrents"); err == nil {
		c.String(http.StatusUnsupportedMediaType, "raw .torrent uploads are not supported, use a magnet URI")
		return
	}

	urls := c.PostForm("urls")
	if strings.TrimSpace(urls) == "" {
		c.String(http.StatusBadRequest, "urls is required")
		return
	}

	category := c.PostForm("category")
	savepath := c.PostForm("savepath")
	if savepath == "" {
		savepath = s.downloadPath + "/complete"
		if category != "" {
			savepath = s.downloadPath + "/" + category
		}
	}

	added := 0
	for _, line := range strings.Split(urls, "\n") {
		magnet := strings.TrimSpace(line)
		if magnet == "" {
			continue
		}
		hash := jobmanager.ExtractHashFromMagnet(magnet)
		name := jobmanager.ExtractNameFromMagnet(magnet)
		if _, err := s.mgr.Add(hash, magnet, name, category, savepath); err != nil {
			c.String(http.StatusBadRequest, "failed to add %s: %v", magnet, err)
			return
		}
		added++
	}

	if added == 0 {
		c.String(http.StatusBadRequest, "no valid magnet URIs in urls")
		return
	}

	c.String(http.StatusOK, "Ok.")
}

// handleTorrentsInfo lists Job views, filtered by hashes (pipe-separated)
// and/or category, per spec.md §6's torrents/info.
func (s *Server) handleTorrentsInfo(c *gin.Context) {
	category := c.Query("category")
	hashesParam := c.Query("hashes")

	var jobs []*models.Job
	if hashesParam != "" {
		for _, h := range strings.Split(hashesParam, "|") {
			if job, ok := s.mgr.Get(h); ok {
				jobs = append(jobs, job)
			}
		}
	} else {
		jobs = s.mgr.List()
	}

	out := make([]torrentInfo, 0, len(jobs))
	for _, job := range jobs {
		snap := job.Snapshot()
		if category != "" && snap.Category != category {
			continue
		}
		out = append(out, toTorrentInfo(snap))
	}
	c.JSON(http.StatusOK, out)
}

func parsePipeHashes(c *gin.Context) []string {
	raw := c.PostForm("hashes")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "|")
}

func (s *Server) handleTorrentsDelete(c *gin.Context) {
	deleteFiles := c.PostForm("deleteFiles") == "true"
	for _, h := range parsePipeHashes(c) {
		if err := s.mgr.Delete(h, deleteFiles); err != nil {
			c.String(http.StatusInternalServerError, "failed to delete %s: %v", h, err)
			return
		}
	}
	c.String(http.StatusOK, "Ok.")
}

func (s *Server) handleTorrentsPause(c *gin.Context) {
	for _, h := range parsePipeHashes(c) {
		if err := s.mgr.Pause(h); err != nil {
			c.String(http.StatusInternalServerError, "failed to pause %s: %v", h, err)
			return
		}
	}
	c.String(http.StatusOK, "Ok.")
}

func (s *Server) handleTorrentsResume(c *gin.Context) {
	for _, h := range parsePipeHashes(c) {
		if err := s.mgr.Resume(h); err != nil {
			c.String(http.StatusInternalServerError, "failed to resume %s: %v", h, err)
			return
		}
	}
	c.String(http.StatusOK, "Ok.")
}

func (s *Server) handleTorrentProperties(c *gin.Context) {
	hash := c.Query("hash")
	job, ok := s.mgr.Get(hash)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Torrent not found"})
		return
	}
	snap := job.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"save_path":        snap.SavePath,
		"creation_date":    snap.AddedAt.Unix(),
		"piece_size":       0,
		"comment":          "",
		"total_wasted":     0,
		"total_uploaded":   0,
		"total_downloaded": snap.SizeDone,
		"up_limit":         -1,
		"dl_limit":         -1,
		"time_elapsed":     int64(time.Since(snap.AddedAt).Seconds()),
		"seeding_time":     0,
		"nb_connections":   0,
		"share_ratio":      0.0,
		"last_error":       snap.LastError,
	})
}

func (s *Server) handleTorrentFiles(c *gin.Context) {
	hash := c.Query("hash")
	job, ok := s.mgr.Get(hash)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Torrent not found"})
		return
	}
	c.JSON(http.StatusOK, toTorrentFiles(job.Snapshot()))
}
