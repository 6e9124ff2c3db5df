package jobmanager

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

var (
	btihHexRe    = regexp.MustCompile(`(?i)btih:([a-f0-9]{40})`)
	btihBase32Re = regexp.MustCompile(`(?i)btih:([a-z2-7]{32})`)
	magnetNameRe = regexp.MustCompile(`dn=([^&]+)`)
)

// ExtractHashFromMagnet ports original_source/src/api/routes.py's
// extract_hash_from_magnet: a 40-hex btih is used as-is, a 32-char base32
// btih is decoded to hex, and anything else falls back to a sha1 of the
// whole URI so every source string still yields a stable info_hash.
func ExtractHashFromMagnet(magnetURI string) string {
	if m := btihHexRe.FindStringSubmatch(magnetURI); m != nil {
		return strings.ToLower(m[1])
	}
	if m := btihBase32Re.FindStringSubmatch(magnetURI); m != nil {
		decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(m[1]))
		if err == nil {
			return hex.EncodeToString(decoded)
		}
	}
	sum := sha1.Sum([]byte(magnetURI))
	return hex.EncodeToString(sum[:])
}

// ExtractNameFromMagnet ports extract_name_from_magnet: the dn= query
// parameter, URL-unescaped, or "Unknown" if absent.
func ExtractNameFromMagnet(magnetURI string) string {
	m := magnetNameRe.FindStringSubmatch(magnetURI)
	if m == nil {
		return "Unknown"
	}
	name, err := url.QueryUnescape(m[1])
	if err != nil {
		return m[1]
	}
	return name
}

// sanitizeFilename strips path separators and NUL, collapses whitespace, and
// truncates to 200 bytes of UTF-8, per spec.md §6's persisted layout rule.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		}
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = "unnamed"
	}
	return truncateUTF8(name, 200)
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := s[:maxBytes]
	for !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}

func (m *Manager) removeJobFiles(job *models.Job) {
	snap := job.Snapshot()
	for _, f := range snap.Files {
		path := fmt.Sprintf("%s/%s", snap.SavePath, sanitizeFilename(f.Name))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("jobmanager: failed to remove file on delete", zap.String("path", path), zap.Error(err))
		}
	}
}
