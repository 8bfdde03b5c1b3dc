package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback whenever the
// completed percentage advances by at least step points or interval bytes have
// been read since the last report.
type Reader struct {
	reader     io.Reader
	total      int64
	read       int64 // cumulative, including the resume offset
	sinceLast  int64 // bytes since last report
	lastPct    float64
	step       float64
	interval   int64
	onProgress func(read, total int64)
}

// NewReader wraps r. offset is the number of bytes already on disk when a
// transfer resumes; total is the full size or -1 when unknown.
func NewReader(r io.Reader, offset, total int64, step float64, interval int64, cb func(read, total int64)) *Reader {
	pr := &Reader{
		reader:     r,
		total:      total,
		read:       offset,
		step:       step,
		interval:   interval,
		onProgress: cb,
	}
	pr.lastPct = pr.Percent()

	return pr
}

// Percent returns the completed percentage, or 0 when the total is unknown.
func (pr *Reader) Percent() float64 {
	if pr.total <= 0 {
		return 0
	}

	return min(float64(pr.read)*100/float64(pr.total), 100)
}

// BytesRead returns the cumulative number of bytes, offset included.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		pct := pr.Percent()
		stepped := pr.total > 0 && pr.step > 0 && pct-pr.lastPct >= pr.step
		spaced := pr.interval > 0 && pr.sinceLast >= pr.interval

		if stepped || spaced {
			pr.onProgress(pr.read, pr.total)
			pr.sinceLast = 0
			pr.lastPct = pct
		}
	}

	return n, err
}
