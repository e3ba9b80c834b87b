package download

import "sync"

// ProgressAggregator collapses per-file transfer deltas into one whole-job
// percentage. Negative deltas happen when the hub client restarts a file;
// the emitted percent is clamped so clients never see it move backwards.
type ProgressAggregator struct {
	mu sync.Mutex

	totalBytes int64
	totalFiles int

	downloadedBytes int64
	finishedFiles   int

	fileName string
	fileSize int64
	fileDone int64

	lastRaw   int // last computed percent, pre-clamp; suppresses duplicates
	highWater int
	emit      func(file string, percent int)
}

// NewProgressAggregator returns an aggregator that calls emit whenever the
// computed percent moves off its previous value.
func NewProgressAggregator(emit func(file string, percent int)) *ProgressAggregator {
	return &ProgressAggregator{emit: emit}
}

// SetTotals installs the planned job size. Zero totals leave the aggregator
// in per-file fallback mode.
func (a *ProgressAggregator) SetTotals(totalBytes int64, totalFiles int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalBytes = totalBytes
	a.totalFiles = totalFiles
}

// RegisterFile marks a new active file. Size may be zero when unknown.
// Registration alone never moves the percent, so nothing is emitted.
func (a *ProgressAggregator) RegisterFile(name string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fileName = name
	a.fileSize = size
	a.fileDone = 0
}

// Update credits delta bytes to the active file and the job.
func (a *ProgressAggregator) Update(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloadedBytes += delta
	a.fileDone += delta
	a.maybeEmit()
}

// End marks the active file complete.
func (a *ProgressAggregator) End() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishedFiles++
	a.fileSize = 0
	a.fileDone = 0
	// In fallback mode the percent is the active file's own, which just
	// reset to zero; emitting here would only produce a clamped duplicate.
	if a.totalBytes > 0 || a.totalFiles > 0 {
		a.maybeEmit()
	}
}

// percent computes the raw job percentage from whatever totals are known.
func (a *ProgressAggregator) percent() int {
	var p int
	switch {
	case a.totalBytes > 0:
		p = int(a.downloadedBytes * 100 / a.totalBytes)
	case a.totalFiles > 0:
		partial := 0.0
		if a.fileSize > 0 {
			partial = float64(a.fileDone) / float64(a.fileSize)
		}
		p = int((float64(a.finishedFiles) + partial) * 100 / float64(a.totalFiles))
	case a.fileSize > 0:
		p = int(a.fileDone * 100 / a.fileSize)
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

func (a *ProgressAggregator) maybeEmit() {
	raw := a.percent()
	if raw == a.lastRaw {
		return
	}
	a.lastRaw = raw
	if raw < a.highWater {
		raw = a.highWater
	}
	a.highWater = raw
	if a.emit != nil {
		a.emit(a.fileName, raw)
	}
}
