package player

import (
	"context"
	"time"

	"github.com/philipch07/EggsTV/internal/source"
)

// Media is an opened resource.
type Media struct {
	// Video and Audio are the unit sources. Either can be nil.
	Video source.Source
	Audio source.Source

	// Duration is zero when unknown.
	Duration time.Duration

	// Live media is unbounded and cannot seek.
	Live bool

	Title string
}

// Resource is something that can be loaded into the player.
type Resource interface {
	Open(ctx context.Context) (*Media, error)
}
