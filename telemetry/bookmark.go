package telemetry

import (
	"fmt"
	"log/slog"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkNonFinite     BookmarkType = "non_finite"
	BookmarkDivergence    BookmarkType = "divergence"
	BookmarkDensitySpike  BookmarkType = "density_spike"
	BookmarkEnergySpike   BookmarkType = "energy_spike"
	BookmarkSettled       BookmarkType = "settled"
)

// Bookmark represents an automatically triggered bookmark.
type Bookmark struct {
	Type        BookmarkType `csv:"type" json:"type"`
	Frame       int32        `csv:"frame" json:"frame"`
	Description string       `csv:"description" json:"description"`
}

// LogBookmark logs the bookmark using slog.
func (b Bookmark) LogBookmark() {
	slog.Info("bookmark",
		"type", string(b.Type),
		"frame", b.Frame,
		"description", b.Description,
	)
}

// BookmarkDetector detects interesting moments in a solver run.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []WindowStats
	historySize int
	historyIdx  int
	historyFull bool

	settledWindows int // consecutive windows with low kinetic energy variation
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 5 {
		historySize = 5 // minimum for settle detection
	}
	return &BookmarkDetector{
		history:     make([]WindowStats, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats WindowStats) []Bookmark {
	var bookmarks []Bookmark

	// Non-finite corrections: any discarded NaN/Inf in the window
	if stats.NonFinite > 0 {
		bookmarks = append(bookmarks, Bookmark{
			Type:        BookmarkNonFinite,
			Frame:       stats.WindowEndFrame,
			Description: fmt.Sprintf("%d non-finite corrections discarded", stats.NonFinite),
		})
	}

	// Divergence: iterations made the constraint error worse
	if stats.ConstraintFirst > 0 && stats.ConstraintLast > stats.ConstraintFirst*1.05 {
		bookmarks = append(bookmarks, Bookmark{
			Type:  BookmarkDivergence,
			Frame: stats.WindowEndFrame,
			Description: fmt.Sprintf("Constraint error grew from %.4f to %.4f across iterations",
				stats.ConstraintFirst, stats.ConstraintLast),
		})
	}

	if bd.historyFull || bd.historyIdx > 0 {
		// Density spike: max density > 2x rolling average max
		if b := bd.checkDensitySpike(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}

		// Energy spike: kinetic energy > 4x rolling average
		if b := bd.checkEnergySpike(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}

		// Settled: kinetic energy steady over 5+ windows
		if b := bd.checkSettled(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}
	}

	bd.addToHistory(stats)
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats WindowStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []WindowStats {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

func (bd *BookmarkDetector) checkDensitySpike(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.DensityMax
	}
	avg := total / float64(len(history))
	if avg == 0 {
		return nil
	}

	if stats.DensityMax > avg*2.0 {
		return &Bookmark{
			Type:        BookmarkDensitySpike,
			Frame:       stats.WindowEndFrame,
			Description: fmt.Sprintf("Max density %.1f is %.1fx average (%.1f)", stats.DensityMax, stats.DensityMax/avg, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkEnergySpike(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.KineticEnergy
	}
	avg := total / float64(len(history))
	if avg <= 0 {
		return nil
	}

	if stats.KineticEnergy > avg*4.0 {
		return &Bookmark{
			Type:        BookmarkEnergySpike,
			Frame:       stats.WindowEndFrame,
			Description: fmt.Sprintf("Kinetic energy %.2f is %.1fx average (%.2f)", stats.KineticEnergy, stats.KineticEnergy/avg, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkSettled(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 4 {
		return nil
	}

	recent := history[len(history)-4:]
	var sum float64
	for _, h := range recent {
		sum += h.KineticEnergy
	}
	mean := sum / 4

	var variance float64
	for _, h := range recent {
		d := h.KineticEnergy - mean
		variance += d * d
	}
	variance /= 4

	// CV^2 < 0.01 means CV < 0.1
	steady := mean == 0 || variance/(mean*mean) < 0.01
	if steady {
		bd.settledWindows++
	} else {
		bd.settledWindows = 0
	}

	if bd.settledWindows == 5 { // trigger exactly once at 5 windows
		return &Bookmark{
			Type:        BookmarkSettled,
			Frame:       stats.WindowEndFrame,
			Description: fmt.Sprintf("Kinetic energy steady at %.2f over 5+ windows", stats.KineticEnergy),
		}
	}
	return nil
}
