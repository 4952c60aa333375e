package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/paths"
)

const (
	spoolFile      = "audit_spool.log"
	deadLetterFile = "audit_deadletter.log"
	replayPrefix   = "replay_"
)

// Spool is the local JSONL fallback used while the database is unreachable.
type Spool struct {
	Dir      string
	MaxBytes int64

	mu       sync.Mutex // guards appends to the spool file
	replayMu sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	if dir == "" {
		dir = paths.SpoolDir()
	}
	if maxMB <= 0 {
		maxMB = 1024
	}
	if err := paths.EnsureDirs(dir); err != nil {
		return nil, err
	}
	return &Spool{Dir: dir, MaxBytes: maxMB * 1024 * 1024}, nil
}

// Append writes one event to the spool file.
func (s *Spool) Append(evt AuditEvent) error {
	line, err := json.Marshal(FailoverEvent{
		EventID:   evt.EventID.String(),
		Payload:   evt,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return s.appendLine(spoolFile, line)
}

// DeadLetter parks an event the database will never accept. Dead letters are
// not replayed.
func (s *Spool) DeadLetter(evt AuditEvent, cause error) error {
	line, err := json.Marshal(FailoverEvent{
		EventID:   evt.EventID.String(),
		Payload:   evt,
		Timestamp: time.Now(),
		Error:     cause.Error(),
	})
	if err != nil {
		return err
	}
	return s.appendLine(deadLetterFile, line)
}

func (s *Spool) appendLine(name string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size() >= s.MaxBytes {
		return fmt.Errorf("audit spool full (%d bytes)", s.MaxBytes)
	}

	f, err := os.OpenFile(filepath.Join(s.Dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err = f.Write(line)
	return err
}

func (s *Spool) size() int64 {
	var size int64
	filepath.WalkDir(s.Dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// take moves the current spool file aside so new failures start a fresh one.
func (s *Spool) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.Dir, spoolFile)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	replayFile := filepath.Join(s.Dir, fmt.Sprintf("%s%d.log", replayPrefix, time.Now().UnixNano()))
	return os.Rename(filename, replayFile)
}

// pending lists replay files oldest first, including any a previous pass had
// to leave behind.
func (s *Spool) pending() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.Dir, replayPrefix+"*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// StartReplayer flushes the spool every interval until ctx is done.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if s.spool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

// ReplaySpool re-inserts spooled events and returns how many reached the
// database. Events that still fail go back to the spool, events the database
// rejects go to the dead-letter file. event_id keeps the inserts idempotent,
// so a replay file that could not be read to the end is kept and retried whole.
func (s *Service) ReplaySpool(ctx context.Context) int {
	if s.spool == nil {
		return 0
	}
	s.spool.replayMu.Lock()
	defer s.spool.replayMu.Unlock()

	if err := s.spool.take(); err != nil {
		log.Error().Err(err).Msg("audit: failed to rotate spool for replay")
	}
	files, err := s.spool.pending()
	if err != nil {
		log.Error().Err(err).Msg("audit: list replay files")
		return 0
	}

	var flushed int
	for _, name := range files {
		n, err := s.replayFile(ctx, name)
		flushed += n
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("audit: replay interrupted, file kept")
			break
		}
		if err := os.Remove(name); err != nil {
			log.Error().Err(err).Str("file", name).Msg("audit: remove replay file")
		}
	}
	return flushed
}

func (s *Service) replayFile(ctx context.Context, name string) (int, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var flushed, malformed, dead int
	rd := bufio.NewReader(f)
	for {
		line, readErr := rd.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var fe FailoverEvent
			if err := json.Unmarshal(line, &fe); err != nil {
				malformed++
				if err := s.spool.appendLine(deadLetterFile, line); err != nil {
					log.Error().Err(err).Msg("audit: malformed spool line lost")
				}
			} else {
				switch err := s.insert(ctx, fe.Payload); {
				case err == nil:
					flushed++
				case permanent(err):
					dead++
					s.deadLetter(fe.Payload, err)
				default:
					if err := s.spool.Append(fe.Payload); err != nil {
						log.Error().Err(err).Str("event_id", fe.EventID).Msg("audit: event lost during replay")
					}
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return flushed, readErr
		}
	}

	if flushed > 0 || malformed > 0 || dead > 0 {
		log.Info().Int("flushed", flushed).Int("malformed", malformed).Int("dead_lettered", dead).Msg("audit replay")
	}
	return flushed, nil
}

func (s *Service) deadLetter(evt AuditEvent, cause error) {
	log.Error().Err(cause).Str("event_id", evt.EventID.String()).Msg("audit: event rejected by database, dead-lettered")
	if s.spool == nil {
		return
	}
	if err := s.spool.DeadLetter(evt, cause); err != nil {
		log.Error().Err(err).Str("event_id", evt.EventID.String()).Msg("audit: dead letter lost")
	}
}

// permanent reports database errors that no retry can fix: data exceptions
// and constraint violations.
func permanent(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := pqErr.Code.Class()
	return class == "22" || class == "23"
}
