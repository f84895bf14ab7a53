// Package library contains the media directory index.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/ivf"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/ogg"
	"github.com/philipch07/EggsTV/internal/player"
	"github.com/philipch07/EggsTV/internal/source"
)

// file extensions of the streams of an entry.
const (
	ExtAudio = ".opus"
	ExtVideo = ".ivf"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("entry not found")

// Entry is a playable item made of a `<name>.opus` and/or `<name>.ivf` file.
type Entry struct {
	Name      string        `json:"name"`
	Title     string        `json:"title"`
	Artists   []string      `json:"artists"`
	Duration  time.Duration `json:"duration"`
	HasAudio  bool          `json:"hasAudio"`
	HasVideo  bool          `json:"hasVideo"`
	AudioPath string        `json:"-"`
	VideoPath string        `json:"-"`
}

// Open implements player.Resource.
func (e *Entry) Open(_ context.Context) (*player.Media, error) {
	m := &player.Media{
		Duration: e.Duration,
		Title:    e.Title,
	}

	if e.VideoPath != "" {
		vs, err := ivf.OpenFile(e.VideoPath)
		if err != nil {
			return nil, err
		}
		m.Video = vs
	}

	if e.AudioPath != "" {
		as, err := ogg.OpenFile(e.AudioPath)
		if err != nil {
			closeSource(m.Video)
			return nil, err
		}
		m.Audio = as
	}

	return m, nil
}

func closeSource(s source.Source) {
	if s != nil {
		s.Cancel()
	}
}

// Library indexes the entries of a media directory.
type Library struct {
	Dir string
	Log logger.Writer

	mutex   sync.RWMutex
	entries []*Entry
}

// Scan reads the directory again and replaces the index.
func (l *Library) Scan() error {
	if l.Log == nil {
		l.Log = logger.Nil
	}

	dir := l.Dir
	if dir == "" {
		dir = "media"
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	byName := make(map[string]*Entry)
	get := func(name string) *Entry {
		e, ok := byName[name]
		if !ok {
			e = &Entry{Name: name}
			byName[name] = e
		}
		return e
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}

		ext := filepath.Ext(f.Name())
		name := strings.TrimSuffix(f.Name(), ext)
		path := filepath.Join(dir, f.Name())

		switch ext {
		case ExtAudio:
			get(name).AudioPath = path

		case ExtVideo:
			get(name).VideoPath = path
		}
	}

	entries := make([]*Entry, 0, len(byName))
	for _, e := range byName {
		if err := l.probe(e); err != nil {
			l.Log.Log(logger.Warn, "skipping %q: %v", e.Name, err)
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	l.mutex.Lock()
	l.entries = entries
	l.mutex.Unlock()

	l.Log.Log(logger.Info, "loaded %d entries from %q", len(entries), dir)
	return nil
}

func (l *Library) probe(e *Entry) error {
	if e.VideoPath != "" {
		vs, err := ivf.OpenFile(e.VideoPath)
		if err != nil {
			return err
		}
		fourCC := vs.FourCC()
		vs.Cancel()

		if fourCC != ivf.FourCCVP8 {
			l.Log.Log(logger.Warn, "%q: unsupported video codec %q, ignoring video", e.Name, fourCC)
			e.VideoPath = ""
		} else {
			d, err := ivf.Duration(e.VideoPath)
			if err != nil {
				return err
			}
			e.Duration = d
			e.HasVideo = true
		}
	}

	if e.AudioPath != "" {
		d, err := audioDuration(e.AudioPath)
		if err != nil {
			return err
		}
		if d > e.Duration {
			e.Duration = d
		}
		e.HasAudio = true

		e.Title, e.Artists = readTagsBestEffort(e.AudioPath)
	}

	if !e.HasAudio && !e.HasVideo {
		return fmt.Errorf("no playable streams")
	}

	if e.Title == "" {
		e.Title = e.Name
	}
	if e.Artists == nil {
		e.Artists = []string{}
	}

	return nil
}

func audioDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := ogg.Probe(f); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	return ogg.Duration(f)
}

// Entries returns a copy of the index.
func (l *Library) Entries() []Entry {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Get returns the entry with the given name.
func (l *Library) Get(name string) (*Entry, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, e := range l.entries {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, ErrNotFound
}
