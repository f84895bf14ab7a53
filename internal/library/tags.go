package library

import (
	"os"
	"strings"

	"github.com/philipch07/EggsTV/internal/ogg"
)

func readTagsBestEffort(path string) (title string, artists []string) {
	f, err := os.Open(path)
	if err != nil {
		return "", []string{}
	}
	defer func() { _ = f.Close() }()

	tags, err := ogg.ReadTags(f)
	if err != nil {
		return "", []string{}
	}

	var artistVals []string

	for _, c := range tags.UserComments {
		key := strings.ToLower(strings.TrimSpace(c.Comment))
		val := strings.TrimSpace(c.Value)

		switch key {
		case "title":
			if title == "" && val != "" {
				title = val
			}

		case "artist":
			if val != "" {
				artistVals = append(artistVals, val)
			}
		}
	}

	// normalize and de-dupe, never nil
	seen := map[string]struct{}{}
	out := make([]string, 0, len(artistVals))
	for _, v := range artistVals {
		for _, a := range splitArtists(v) {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}

	return title, out
}

// commas are kept since they appear in artist names.
var artistSeparators = []string{" feat. ", " ft. ", " featuring ", ";", " & ", "/", " x "}

func splitArtists(v string) []string {
	s := strings.TrimSpace(v)
	if s == "" {
		return nil
	}

	out := []string{s}
	for _, sep := range artistSeparators {
		var next []string
		for _, cur := range out {
			for _, p := range strings.Split(cur, sep) {
				if p = strings.TrimSpace(p); p != "" {
					next = append(next, p)
				}
			}
		}
		out = next
	}
	return out
}
