package sessions

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/haasonsaas/hermes/pkg/models"
)

// Transcript files are newline-delimited JSON, one message per line, written
// alongside the database whenever a transcript dir is configured. They are a
// convenience copy for grep and tail; the database remains authoritative, so
// write failures only warn.

func (s *Store) transcriptPath(sessionID string) string {
	return filepath.Join(s.transcriptDir, sessionID+".jsonl")
}

func (s *Store) transcriptAppend(msg *models.Message) {
	if s.transcriptDir == "" {
		return
	}
	if err := os.MkdirAll(s.transcriptDir, 0o755); err != nil {
		s.logger.Warn("transcript dir", "error", err)
		return
	}
	f, err := os.OpenFile(s.transcriptPath(msg.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("transcript open", "session_id", msg.SessionID, "error", err)
		return
	}
	defer f.Close()
	if err := writeTranscriptLine(f, msg); err != nil {
		s.logger.Warn("transcript write", "session_id", msg.SessionID, "error", err)
	}
}

func (s *Store) transcriptRewrite(sessionID string, msgs []models.Message) {
	if s.transcriptDir == "" {
		return
	}
	if err := os.MkdirAll(s.transcriptDir, 0o755); err != nil {
		s.logger.Warn("transcript dir", "error", err)
		return
	}
	path := s.transcriptPath(sessionID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		s.logger.Warn("transcript rewrite", "session_id", sessionID, "error", err)
		return
	}
	for i := range msgs {
		if err := writeTranscriptLine(f, &msgs[i]); err != nil {
			s.logger.Warn("transcript rewrite", "session_id", sessionID, "error", err)
			f.Close()
			os.Remove(tmp)
			return
		}
	}
	if err := f.Close(); err != nil {
		s.logger.Warn("transcript rewrite", "session_id", sessionID, "error", err)
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("transcript rewrite", "session_id", sessionID, "error", err)
	}
}

func (s *Store) transcriptRemove(sessionID string) {
	if s.transcriptDir == "" {
		return
	}
	if err := os.Remove(s.transcriptPath(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("transcript remove", "session_id", sessionID, "error", err)
	}
}

func writeTranscriptLine(f *os.File, msg *models.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
